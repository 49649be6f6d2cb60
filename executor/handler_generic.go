package executor

import (
	"context"

	"github.com/c360studio/dagflow/workflow"
)

// GenericHandler accepts any executor type and succeeds by echoing the
// task parameters. It serves as the catch-all for types no specialized
// handler covers and as the workhorse of standalone demos.
type GenericHandler struct{}

func (h *GenericHandler) Type() string { return workflow.TypeGeneric }

// Accepts makes the generic handler the registry's fallback.
func (h *GenericHandler) Accepts(executorType string, parameters map[string]any) bool { return true }

func (h *GenericHandler) Execute(ctx context.Context, task *workflow.DispatchEnvelope) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]any{
		"status": "success",
		"echo":   task.Parameters,
	}, nil
}
