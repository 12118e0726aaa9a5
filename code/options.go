// Package code provides CodeRunner implementations for workflow code nodes.
//
// DockerRunner executes snippets inside a throwaway container and is the
// runner production deployments should register. SubprocessRunner runs them
// directly on the host for local development, with a pattern blocklist as the
// only guard.
package code

import "time"

// Option configures a runner.
type Option func(*runnerConfig)

type runnerConfig struct {
	// Shared options.
	timeout       time.Duration
	maxOutput     int
	maxFileSize   int64
	workspaceRoot string

	// DockerRunner options.
	image    string
	network  string
	env      []string
	memoryMB int64
	ports    map[string]string // container port -> host port

	// SubprocessRunner options.
	pythonBin string
	nodeBin   string
}

func defaultConfig() runnerConfig {
	return runnerConfig{
		timeout:     60 * time.Second,
		maxOutput:   64 * 1024, // 64KB
		maxFileSize: 10 << 20,  // 10MB
		image:       "python:3.12-slim",
		memoryMB:    512,
		pythonBin:   "python3",
		nodeBin:     "node",
	}
}

// WithTimeout sets the maximum execution duration for code.
// A per-request timeout takes precedence. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(c *runnerConfig) { c.timeout = d }
}

// WithMaxOutput sets the maximum captured output size in bytes.
// Output beyond this limit is truncated. Default: 64KB.
func WithMaxOutput(bytes int) Option {
	return func(c *runnerConfig) { c.maxOutput = bytes }
}

// WithMaxFileSize sets the maximum size in bytes for a single returned file.
// Files exceeding this limit are included without data (metadata only).
// Default: 10MB.
func WithMaxFileSize(bytes int64) Option {
	return func(c *runnerConfig) { c.maxFileSize = bytes }
}

// WithWorkspaceRoot sets the directory under which session workspaces are
// created. Requests with a SessionID reuse the same directory across
// executions. Default: the OS temp directory.
func WithWorkspaceRoot(dir string) Option {
	return func(c *runnerConfig) { c.workspaceRoot = dir }
}

// WithImage sets the container image DockerRunner executes code in.
// Default: "python:3.12-slim".
func WithImage(image string) Option {
	return func(c *runnerConfig) { c.image = image }
}

// WithNetwork attaches the container to the named docker network.
// By default networking is disabled inside the container.
func WithNetwork(name string) Option {
	return func(c *runnerConfig) { c.network = name }
}

// WithEnv adds environment variables ("KEY=value") to the execution
// environment.
func WithEnv(env ...string) Option {
	return func(c *runnerConfig) { c.env = append(c.env, env...) }
}

// WithMemoryLimit caps the container's memory in megabytes. Default: 512.
func WithMemoryLimit(mb int64) Option {
	return func(c *runnerConfig) {
		if mb > 0 {
			c.memoryMB = mb
		}
	}
}

// WithPortBinding publishes a container TCP port on the host loopback
// interface. Useful for code that starts a server the caller wants to probe
// during execution.
func WithPortBinding(containerPort, hostPort string) Option {
	return func(c *runnerConfig) {
		if c.ports == nil {
			c.ports = make(map[string]string)
		}
		c.ports[containerPort] = hostPort
	}
}

// WithPythonBin sets the Python interpreter SubprocessRunner invokes.
// Default: "python3".
func WithPythonBin(bin string) Option {
	return func(c *runnerConfig) { c.pythonBin = bin }
}

// WithNodeBin sets the Node.js binary SubprocessRunner invokes.
// Default: "node".
func WithNodeBin(bin string) Option {
	return func(c *runnerConfig) { c.nodeBin = bin }
}
