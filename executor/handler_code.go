package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/c360studio/dagflow/workflow"
)

const maxCapturedOutput = 64 * 1024

// CodeHandler runs code task payloads through an interpreter process.
// The deadline on ctx is enforced by exec.CommandContext, which kills
// the interpreter when the executor cancels.
type CodeHandler struct {
	// Interpreter is the command run with -c <code> (default python3).
	Interpreter string
}

func (h *CodeHandler) Type() string { return workflow.TypeCodeExecutor }

func (h *CodeHandler) Execute(ctx context.Context, task *workflow.DispatchEnvelope) (map[string]any, error) {
	code, ok := task.Parameters["code"].(string)
	if !ok || code == "" {
		return nil, &workflow.TaskError{
			Type:    "InvalidParameters",
			Message: "code parameter is required",
		}
	}
	interpreter := h.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, interpreter, "-c", code)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	outStr := truncate(stdout.String(), maxCapturedOutput)
	errStr := truncate(stderr.String(), maxCapturedOutput)

	if err != nil {
		if ctx.Err() != nil {
			return nil, &workflow.TaskError{
				Type:    "Timeout",
				Message: "interpreter killed by deadline",
				Context: errStr,
			}
		}
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return nil, &workflow.TaskError{
			Type:    classifyStderr(errStr),
			Message: fmt.Sprintf("interpreter exited with code %d", exitCode),
			Context: errStr,
		}
	}

	return map[string]any{
		"status":    "success",
		"stdout":    outStr,
		"stderr":    errStr,
		"exit_code": 0,
	}, nil
}

// classifyStderr extracts an exception type from interpreter stderr.
// Python tracebacks end with "SomeError: message"; the token before the
// colon on the last non-empty line is the type.
func classifyStderr(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		name, _, found := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if found && name != "" && !strings.ContainsAny(name, " \t/") {
			return name
		}
		break
	}
	return "ExecutionError"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
