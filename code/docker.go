package code

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/strandlab/loom"
)

// containerWorkspace is where the host workspace is mounted inside the
// container.
const containerWorkspace = "/workspace"

// DockerRunner executes code inside a one-shot container. The workspace
// directory is bind-mounted at /workspace, stdout becomes the result output,
// stderr the logs, and files written to /workspace/output are returned.
// Implements loom.CodeRunner.
type DockerRunner struct {
	cli *client.Client
	cfg runnerConfig
}

var _ loom.CodeRunner = (*DockerRunner)(nil)

// NewDockerRunner connects to the docker daemon using the standard
// environment variables (DOCKER_HOST etc).
func NewDockerRunner(opts ...Option) (*DockerRunner, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("code: connect to docker: %w", err)
	}
	return &DockerRunner{cli: cli, cfg: cfg}, nil
}

// Close releases the docker client connection.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run executes the request's code in a fresh container and tears it down
// afterwards. Session workspaces survive on the host between executions.
func (r *DockerRunner) Run(ctx context.Context, req loom.CodeRequest) (loom.CodeResult, error) {
	timeout := r.cfg.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	dir, cleanup, err := stageWorkspace(ctx, r.cfg.workspaceRoot, req)
	if err != nil {
		return loom.CodeResult{}, err
	}
	defer cleanup()

	script, err := scriptName(req.Runtime)
	if err != nil {
		return loom.CodeResult{}, err
	}
	if err := writeScript(dir, script, req.Code); err != nil {
		return loom.CodeResult{}, err
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return loom.CodeResult{}, fmt.Errorf("code: resolve workspace path: %w", err)
	}

	cc, hc, err := r.containerSpec(script, req.Runtime, absDir)
	if err != nil {
		return loom.CodeResult{}, err
	}

	id, err := r.createContainer(ctx, cc, hc)
	if err != nil {
		return loom.CodeResult{}, err
	}
	// Removal must not be skipped when the caller's context is already dead.
	defer r.cli.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true})

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return loom.CodeResult{}, fmt.Errorf("code: start container: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, timedOut, err := r.awaitExit(runCtx, id)
	if err != nil {
		return loom.CodeResult{}, err
	}
	if timedOut {
		stopTimeout := 0
		_ = r.cli.ContainerStop(context.WithoutCancel(ctx), id, container.StopOptions{Timeout: &stopTimeout})
	}

	stdout, stderr, err := r.containerOutput(context.WithoutCancel(ctx), id)
	if err != nil {
		return loom.CodeResult{}, err
	}

	result := loom.CodeResult{
		Output:   truncateOutput(strings.TrimRight(stdout, "\n"), r.cfg.maxOutput),
		Logs:     truncateOutput(stderr, r.cfg.maxOutput),
		ExitCode: exitCode,
	}
	switch {
	case timedOut:
		result.Error = fmt.Sprintf("execution timed out after %s", timeout)
		result.ExitCode = -1
	case exitCode != 0:
		result.Error = fmt.Sprintf("exit code %d", exitCode)
	}

	files, err := collectOutputs(dir, r.cfg.maxFileSize)
	if err != nil {
		return loom.CodeResult{}, err
	}
	result.Files = files
	return result, nil
}

// containerSpec builds the create-time configuration for one execution.
func (r *DockerRunner) containerSpec(script, runtime, absDir string) (*container.Config, *container.HostConfig, error) {
	cc := &container.Config{
		Image:           r.cfg.image,
		Cmd:             runtimeCommand(runtime, script),
		WorkingDir:      containerWorkspace,
		Env:             r.cfg.env,
		NetworkDisabled: r.cfg.network == "",
	}
	hc := &container.HostConfig{
		Binds: []string{absDir + ":" + containerWorkspace},
		Resources: container.Resources{
			Memory: r.cfg.memoryMB << 20,
		},
	}
	if r.cfg.network != "" {
		hc.NetworkMode = container.NetworkMode(r.cfg.network)
	}

	if len(r.cfg.ports) > 0 {
		exposed := nat.PortSet{}
		bindings := nat.PortMap{}
		for cp, hp := range r.cfg.ports {
			port, err := nat.NewPort("tcp", cp)
			if err != nil {
				return nil, nil, fmt.Errorf("code: invalid port %q: %w", cp, err)
			}
			exposed[port] = struct{}{}
			bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: hp}}
		}
		cc.ExposedPorts = exposed
		hc.PortBindings = bindings
	}
	return cc, hc, nil
}

// createContainer creates the container, pulling the image first if the
// daemon doesn't have it yet.
func (r *DockerRunner) createContainer(ctx context.Context, cc *container.Config, hc *container.HostConfig) (string, error) {
	created, err := r.cli.ContainerCreate(ctx, cc, hc, nil, nil, "")
	if client.IsErrNotFound(err) {
		rc, perr := r.cli.ImagePull(ctx, r.cfg.image, image.PullOptions{})
		if perr != nil {
			return "", fmt.Errorf("code: pull image %q: %w", r.cfg.image, perr)
		}
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
		created, err = r.cli.ContainerCreate(ctx, cc, hc, nil, nil, "")
	}
	if err != nil {
		return "", fmt.Errorf("code: create container: %w", err)
	}
	return created.ID, nil
}

// awaitExit blocks until the container stops or runCtx expires.
func (r *DockerRunner) awaitExit(runCtx context.Context, id string) (exitCode int, timedOut bool, err error) {
	waitCh, errCh := r.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	select {
	case w := <-waitCh:
		if w.Error != nil {
			return -1, false, fmt.Errorf("code: container wait: %s", w.Error.Message)
		}
		return int(w.StatusCode), false, nil
	case werr := <-errCh:
		if runCtx.Err() != nil {
			return -1, true, nil
		}
		return -1, false, fmt.Errorf("code: container wait: %w", werr)
	}
}

// containerOutput demultiplexes the container's log stream into stdout and
// stderr.
func (r *DockerRunner) containerOutput(ctx context.Context, id string) (string, string, error) {
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("code: read container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("code: demux container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// runtimeCommand is the in-container command for the given runtime.
func runtimeCommand(runtime, script string) []string {
	if runtime == "node" {
		return []string{"node", script}
	}
	return []string{"python3", script}
}
