package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// maxResponseSize limits the model response body.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// RetryConfig holds retry settings for planning requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per request.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// LLM is an Oracle backed by an OpenAI-compatible chat completions
// endpoint.
type LLM struct {
	endpoint    string
	model       string
	apiKey      string
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	temperature float64
}

// LLMOption configures an LLM oracle.
type LLMOption func(*LLM)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) LLMOption {
	return func(l *LLM) { l.httpClient = c }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) LLMOption {
	return func(l *LLM) { l.retryConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LLMOption {
	return func(l *LLM) { l.logger = logger }
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) LLMOption {
	return func(l *LLM) { l.apiKey = key }
}

// NewLLM creates an LLM oracle for the given endpoint and model.
func NewLLM(endpoint, model string, opts ...LLMOption) *LLM {
	l := &LLM{
		endpoint:    strings.TrimRight(endpoint, "/"),
		model:       model,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		logger:      slog.Default(),
		temperature: 0,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

const planSystemPrompt = `You are a workflow planner. Decompose the user's goal into discrete tasks.
Respond with a single JSON object: {"tasks": [{"description", "executor_type", "parameters", "depends_on"}]}.
executor_type must be one of: code_executor, file_writer, api_caller, generic.
depends_on lists zero-based indices of earlier tasks in the array. No other text.`

const correctionSystemPrompt = `You are a workflow repair planner. A task failed; propose corrective tasks to
fix the underlying problem, then a revised retry of the failed task.
Respond with a single JSON object: {"corrective_tasks": [...], "retry_task": {...}}.
Each task has description, executor_type, parameters, and corrective tasks may use
depends_on with zero-based indices into corrective_tasks. The retry_task must not
declare depends_on. No other text.`

// PlanInitial asks the model for an initial task DAG.
func (l *LLM) PlanInitial(ctx context.Context, prompt string) (*Plan, error) {
	if prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidPlan)
	}
	content, err := l.complete(ctx, planSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrInvalidPlan)
	}
	var plan Plan
	if err := validateAgainst(planSchema, raw, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// PlanCorrection asks the model for a corrective sub-plan and retry.
func (l *LLM) PlanCorrection(ctx context.Context, cc CorrectionContext) (*Correction, error) {
	if cc.Failed == nil {
		return nil, fmt.Errorf("%w: correction context has no failed task", ErrInvalidPlan)
	}
	user, err := correctionUserPrompt(cc)
	if err != nil {
		return nil, err
	}
	content, err := l.complete(ctx, correctionSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrInvalidPlan)
	}
	var corr Correction
	if err := validateAgainst(correctionSchema, raw, &corr); err != nil {
		return nil, err
	}
	return &corr, nil
}

// correctionUserPrompt serializes the failure context for the model.
func correctionUserPrompt(cc CorrectionContext) (string, error) {
	payload := map[string]any{
		"failed_task": map[string]any{
			"description":   cc.Failed.Description,
			"executor_type": cc.Failed.ExecutorType,
			"parameters":    cc.Failed.Parameters,
			"retries":       cc.Failed.Retries,
		},
	}
	if cc.Workflow != nil {
		payload["workflow_prompt"] = cc.Workflow.Prompt
	}
	if len(cc.Succeeded) > 0 {
		preds := make([]map[string]any, 0, len(cc.Succeeded))
		for _, t := range cc.Succeeded {
			p := map[string]any{
				"description":   t.Description,
				"executor_type": t.ExecutorType,
			}
			if t.Result != nil {
				p["data"] = t.Result.Data
			}
			preds = append(preds, p)
		}
		payload["succeeded_predecessors"] = preds
	}
	if cc.Failed.Result != nil && cc.Failed.Result.Error != nil {
		payload["error"] = map[string]any{
			"type":    cc.Failed.Result.Error.Type,
			"message": cc.Failed.Result.Error.Message,
			"context": cc.Failed.Result.Error.Context,
		}
	}
	if cc.Feedback != nil {
		payload["feedback"] = cc.Feedback
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal correction context: %w", err)
	}
	return string(data), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// complete runs one chat completion with retry. Transient failures back
// off with jitter; fatal ones return immediately. Exhaustion maps to
// ErrUnavailable so callers need not know about error classes.
func (l *LLM) complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= l.retryConfig.MaxAttempts; attempt++ {
		content, err := l.doRequest(ctx, system, user)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if isFatal(err) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if attempt < l.retryConfig.MaxAttempts {
			backoff := l.calculateBackoff(attempt)
			l.logger.Debug("planning request failed, retrying",
				"attempt", attempt, "max_attempts", l.retryConfig.MaxAttempts,
				"backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// calculateBackoff computes exponential backoff with +/- 25% jitter.
func (l *LLM) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= l.retryConfig.BackoffMultiplier
	}
	backoff := time.Duration(float64(l.retryConfig.BackoffBase) * multiplier)
	if backoff > l.retryConfig.MaxBackoff {
		backoff = l.retryConfig.MaxBackoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

func (l *LLM) doRequest(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: l.temperature,
	})
	if err != nil {
		return "", newFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := l.endpoint + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", newFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if l.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	httpResp, err := l.httpClient.Do(httpReq)
	if err != nil {
		return "", newTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return "", newTransientError(fmt.Errorf("read response body: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(httpResp.StatusCode, respBody)
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", newTransientError(fmt.Errorf("parse response: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", newTransientError(fmt.Errorf("response has no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyHTTPError decides whether an HTTP error is worth retrying.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("planner API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return newTransientError(err)
	case statusCode >= 500:
		return newTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusBadRequest:
		return newFatalError(err)
	default:
		return newFatalError(err)
	}
}

var _ Oracle = (*LLM)(nil)
