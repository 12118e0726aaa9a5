package code

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/strandlab/loom"
)

// blockedPatterns are checked before execution to reject obviously dangerous
// code. Subprocess executions share the host; the docker runner doesn't need
// this.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`os\.system\s*\(`),
	regexp.MustCompile(`subprocess\.\w+\s*\(`),
	regexp.MustCompile(`child_process`),
}

// SubprocessRunner executes code directly on the host in a subprocess.
// Intended for local development; production should use DockerRunner.
// Implements loom.CodeRunner.
type SubprocessRunner struct {
	cfg runnerConfig
}

var _ loom.CodeRunner = (*SubprocessRunner)(nil)

// NewSubprocessRunner creates a runner that invokes the configured Python or
// Node binary directly.
func NewSubprocessRunner(opts ...Option) *SubprocessRunner {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &SubprocessRunner{cfg: cfg}
}

// Run executes the request's code in a subprocess rooted at the workspace
// directory. Stdout becomes the result output, stderr the logs.
func (r *SubprocessRunner) Run(ctx context.Context, req loom.CodeRequest) (loom.CodeResult, error) {
	for _, pat := range blockedPatterns {
		if pat.MatchString(req.Code) {
			return loom.CodeResult{
				Error:    fmt.Sprintf("blocked: code contains prohibited pattern: %s", pat.String()),
				ExitCode: 1,
			}, nil
		}
	}

	timeout := r.cfg.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

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

	bin := r.cfg.pythonBin
	if req.Runtime == "node" {
		bin = r.cfg.nodeBin
	}

	cmd := exec.CommandContext(runCtx, bin, script)
	cmd.Dir = dir
	cmd.Env = subprocessEnv(dir)

	stdout := &limitWriter{max: r.cfg.maxOutput}
	stderr := &limitWriter{max: r.cfg.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	result := loom.CodeResult{
		Output: strings.TrimRight(stdout.String(), "\n"),
		Logs:   stderr.String(),
	}

	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Sprintf("execution timed out after %s", timeout)
			result.ExitCode = -1
		} else if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("exit code %d", exitErr.ExitCode())
		} else {
			result.Error = runErr.Error()
			result.ExitCode = -1
		}
	}

	files, err := collectOutputs(dir, r.cfg.maxFileSize)
	if err != nil {
		return loom.CodeResult{}, err
	}
	result.Files = files
	return result, nil
}

// subprocessEnv builds a minimal environment so interpreters start cleanly
// without leaking the host's variables into user code.
func subprocessEnv(workspace string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=en_US.UTF-8",
		"LOOM_WORKSPACE=" + workspace,
		"LOOM_OUTPUT_DIR=" + filepath.Join(workspace, outputDirName),
	}
}
