package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/dagflow/workflow"
)

// FileHandler writes file task payloads under a sandbox root. Paths are
// resolved relative to WorkDir and must stay inside it; an optional
// allowlist of glob patterns narrows what may be written.
type FileHandler struct {
	// WorkDir roots every path (default: current directory).
	WorkDir string

	// AllowedPaths are doublestar patterns relative to WorkDir. Empty
	// allows everything under WorkDir.
	AllowedPaths []string
}

func (h *FileHandler) Type() string { return workflow.TypeFileWriter }

func (h *FileHandler) Execute(ctx context.Context, task *workflow.DispatchEnvelope) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, ok := task.Parameters["path"].(string)
	if !ok || path == "" {
		return nil, &workflow.TaskError{
			Type:    "InvalidParameters",
			Message: "path parameter is required",
		}
	}
	content, _ := task.Parameters["content"].(string)

	rel, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	abs := filepath.Join(h.root(), rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, &workflow.TaskError{
			Type:    "FileWriteError",
			Message: fmt.Sprintf("create directory: %v", err),
		}
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, &workflow.TaskError{
			Type:    "FileWriteError",
			Message: fmt.Sprintf("write %s: %v", rel, err),
		}
	}
	return map[string]any{
		"status":        "success",
		"path":          rel,
		"bytes_written": len(content),
	}, nil
}

func (h *FileHandler) root() string {
	if h.WorkDir == "" {
		return "."
	}
	return h.WorkDir
}

// resolve normalizes a task path and enforces the sandbox.
func (h *FileHandler) resolve(path string) (string, error) {
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", &workflow.TaskError{
			Type:    "PathViolation",
			Message: fmt.Sprintf("path %s escapes the work directory", path),
		}
	}
	if len(h.AllowedPaths) == 0 {
		return clean, nil
	}
	for _, pattern := range h.AllowedPaths {
		ok, err := doublestar.Match(pattern, filepath.ToSlash(clean))
		if err != nil {
			return "", &workflow.TaskError{
				Type:    "PathViolation",
				Message: fmt.Sprintf("bad allowlist pattern %s: %v", pattern, err),
			}
		}
		if ok {
			return clean, nil
		}
	}
	return "", &workflow.TaskError{
		Type:    "PathViolation",
		Message: fmt.Sprintf("path %s is not in the allowlist", clean),
	}
}
