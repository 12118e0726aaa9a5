package code

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/strandlab/loom"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
}

func TestSubprocessRunnerSimpleCode(t *testing.T) {
	requirePython(t)
	runner := NewSubprocessRunner(WithWorkspaceRoot(t.TempDir()))

	result, err := runner.Run(context.Background(), loom.CodeRequest{
		Code: `print(6 * 7)`,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code %d (error: %s, logs: %s)", result.ExitCode, result.Error, result.Logs)
	}
	if result.Output != "42" {
		t.Errorf("Output = %q, want 42", result.Output)
	}
}

func TestSubprocessRunnerStderrToLogs(t *testing.T) {
	requirePython(t)
	runner := NewSubprocessRunner(WithWorkspaceRoot(t.TempDir()))

	result, err := runner.Run(context.Background(), loom.CodeRequest{
		Code: `
import sys
print("out")
print("log line", file=sys.stderr)
`,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "out" {
		t.Errorf("Output = %q, want out", result.Output)
	}
	if !strings.Contains(result.Logs, "log line") {
		t.Errorf("Logs = %q, want log line", result.Logs)
	}
}

func TestSubprocessRunnerNonzeroExit(t *testing.T) {
	requirePython(t)
	runner := NewSubprocessRunner(WithWorkspaceRoot(t.TempDir()))

	result, err := runner.Run(context.Background(), loom.CodeRequest{
		Code: `raise SystemExit(3)`,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if result.Error == "" {
		t.Error("Error should describe the failure")
	}
}

func TestSubprocessRunnerTimeout(t *testing.T) {
	requirePython(t)
	runner := NewSubprocessRunner(WithWorkspaceRoot(t.TempDir()))

	result, err := runner.Run(context.Background(), loom.CodeRequest{
		Code:    `import time; time.sleep(10)`,
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", result.ExitCode)
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("Error = %q, want timeout message", result.Error)
	}
}

func TestSubprocessRunnerBlockedPattern(t *testing.T) {
	runner := NewSubprocessRunner(WithWorkspaceRoot(t.TempDir()))

	result, err := runner.Run(context.Background(), loom.CodeRequest{
		Code: `import os; os.system("rm -rf /")`,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(result.Error, "blocked:") {
		t.Errorf("Error = %q, want blocked", result.Error)
	}
	if result.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result.ExitCode)
	}
}

func TestSubprocessRunnerOutputFiles(t *testing.T) {
	requirePython(t)
	runner := NewSubprocessRunner(WithWorkspaceRoot(t.TempDir()))

	result, err := runner.Run(context.Background(), loom.CodeRequest{
		Code: `
import os
with open(os.path.join("output", "report.txt"), "w") as f:
    f.write("done")
print("ok")
`,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Files) != 1 {
		t.Fatalf("len(Files) = %d, want 1", len(result.Files))
	}
	f := result.Files[0]
	if f.Name != "report.txt" || string(f.Data) != "done" {
		t.Errorf("file = %+v", f)
	}
}

func TestSubprocessRunnerSessionPersistence(t *testing.T) {
	requirePython(t)
	root := t.TempDir()
	runner := NewSubprocessRunner(WithWorkspaceRoot(root))

	_, err := runner.Run(context.Background(), loom.CodeRequest{
		SessionID: "sess-1",
		Code: `
with open("counter.txt", "w") as f:
    f.write("1")
`,
	})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}

	result, err := runner.Run(context.Background(), loom.CodeRequest{
		SessionID: "sess-1",
		Code: `
with open("counter.txt") as f:
    print(f.read())
`,
	})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if result.Output != "1" {
		t.Errorf("Output = %q, want 1 (logs: %s, error: %s)", result.Output, result.Logs, result.Error)
	}
}
