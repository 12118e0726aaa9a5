package code

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/strandlab/loom"
)

// outputDirName is the workspace subdirectory code writes result files to.
const outputDirName = "output"

// scriptName returns the entrypoint filename for the given runtime.
func scriptName(runtime string) (string, error) {
	switch runtime {
	case "", "python":
		return "main.py", nil
	case "node":
		return "main.js", nil
	default:
		return "", fmt.Errorf("code: unsupported runtime %q", runtime)
	}
}

// writeScript places the entrypoint source file in the workspace.
func writeScript(dir, name, source string) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(source), 0o644); err != nil {
		return fmt.Errorf("code: write script: %w", err)
	}
	return nil
}

// stageWorkspace prepares the execution directory: a per-session directory
// under root when the request carries a SessionID, a temp directory otherwise.
// Input files are written in before the returned path is handed to a runner.
// cleanup removes temp directories; session directories persist.
func stageWorkspace(ctx context.Context, root string, req loom.CodeRequest) (dir string, cleanup func(), err error) {
	cleanup = func() {}
	if root == "" {
		root = os.TempDir()
	}

	if req.SessionID != "" {
		dir = filepath.Join(root, "sessions", sanitizeSession(req.SessionID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", cleanup, fmt.Errorf("code: create session workspace: %w", err)
		}
	} else {
		dir, err = os.MkdirTemp(root, "loom-code-*")
		if err != nil {
			return "", cleanup, fmt.Errorf("code: create workspace: %w", err)
		}
		cleanup = func() { os.RemoveAll(dir) }
	}

	if err := os.MkdirAll(filepath.Join(dir, outputDirName), 0o755); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("code: create output dir: %w", err)
	}

	for _, f := range req.Files {
		if err := stageFile(ctx, dir, f); err != nil {
			cleanup()
			return "", func() {}, err
		}
	}
	return dir, cleanup, nil
}

func stageFile(ctx context.Context, dir string, f loom.CodeFile) error {
	name := filepath.Base(f.Name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return fmt.Errorf("code: invalid input file name %q", f.Name)
	}
	data := f.Data
	if len(data) == 0 && f.URL != "" {
		var err error
		data, err = downloadFile(ctx, f.URL)
		if err != nil {
			return fmt.Errorf("code: download input file %q: %w", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("code: write input file %q: %w", name, err)
	}
	return nil
}

func downloadFile(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// collectOutputs reads files the code produced under dir/output. Files larger
// than maxFileSize come back as metadata only, without data.
func collectOutputs(dir string, maxFileSize int64) ([]loom.CodeFile, error) {
	outDir := filepath.Join(dir, outputDirName)
	var files []loom.CodeFile
	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		cf := loom.CodeFile{
			Name: d.Name(),
			MIME: mimeFor(d.Name()),
		}
		if info.Size() <= maxFileSize {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			cf.Data = data
		}
		files = append(files, cf)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("code: collect output files: %w", err)
	}
	return files, nil
}

func mimeFor(name string) string {
	mt := mime.TypeByExtension(filepath.Ext(name))
	if mt == "" {
		return "application/octet-stream"
	}
	// Strip charset parameters; callers want the bare media type.
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

// sanitizeSession maps a session id to a safe directory name.
func sanitizeSession(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// truncateOutput caps s at max bytes, marking the cut.
func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}

// limitWriter discards bytes beyond max. Keeps subprocess stderr bounded
// without killing the process.
type limitWriter struct {
	b   strings.Builder
	max int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := w.max - w.b.Len(); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		w.b.Write(p)
	}
	return n, nil
}

func (w *limitWriter) String() string { return w.b.String() }
