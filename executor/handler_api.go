package executor

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/dagflow/workflow"
)

const maxAPIBody = 256 * 1024

// APIHandler performs HTTP calls for api tasks. Transport failures are
// handler errors; HTTP error statuses are reported as data and left to
// validation.
type APIHandler struct {
	// Client is the HTTP client (default: 30s timeout).
	Client *http.Client
}

func (h *APIHandler) Type() string { return workflow.TypeAPICaller }

func (h *APIHandler) Execute(ctx context.Context, task *workflow.DispatchEnvelope) (map[string]any, error) {
	url, ok := task.Parameters["url"].(string)
	if !ok || url == "" {
		return nil, &workflow.TaskError{
			Type:    "InvalidParameters",
			Message: "url parameter is required",
		}
	}
	method, _ := task.Parameters["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if b, ok := task.Parameters["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &workflow.TaskError{
			Type:    "InvalidParameters",
			Message: err.Error(),
		}
	}
	if headers, ok := task.Parameters["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		errType := "ConnectionError"
		if ctx.Err() != nil {
			errType = "Timeout"
		}
		return nil, &workflow.TaskError{
			Type:    errType,
			Message: err.Error(),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return nil, &workflow.TaskError{
			Type:    "ConnectionError",
			Message: err.Error(),
		}
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(respBody),
	}, nil
}
