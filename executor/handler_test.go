package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/c360studio/dagflow/fabric"
	"github.com/c360studio/dagflow/workflow"
)

func dispatch(executorType string, params map[string]any) *workflow.DispatchEnvelope {
	return &workflow.DispatchEnvelope{
		TaskID:       workflow.NewID(),
		WorkflowID:   workflow.NewID(),
		ExecutorType: executorType,
		Parameters:   params,
	}
}

// modalHandler accepts any type but only tasks that declare a mode.
type modalHandler struct{}

func (h *modalHandler) Type() string { return "modal" }

func (h *modalHandler) Accepts(executorType string, parameters map[string]any) bool {
	_, ok := parameters["mode"]
	return ok
}

func (h *modalHandler) Execute(ctx context.Context, task *workflow.DispatchEnvelope) (map[string]any, error) {
	return map[string]any{"status": "success"}, nil
}

func taskErrorType(t *testing.T, err error) string {
	t.Helper()
	var te *workflow.TaskError
	if !errors.As(err, &te) {
		t.Fatalf("expected *workflow.TaskError, got %T: %v", err, err)
	}
	return te.Type
}

func TestRegistry(t *testing.T) {
	t.Run("exact match wins over acceptor", func(t *testing.T) {
		r := NewRegistry()
		r.Register(&GenericHandler{})
		r.Register(&FileHandler{})

		h, ok := r.Lookup(workflow.TypeFileWriter, nil)
		if !ok {
			t.Fatal("expected handler")
		}
		if h.Type() != workflow.TypeFileWriter {
			t.Errorf("expected file handler, got %s", h.Type())
		}
	})

	t.Run("acceptor catches unknown types", func(t *testing.T) {
		r := NewRegistry()
		r.Register(&GenericHandler{})

		h, ok := r.Lookup("bespoke_thing", nil)
		if !ok {
			t.Fatal("expected generic fallback")
		}
		if h.Type() != workflow.TypeGeneric {
			t.Errorf("expected generic handler, got %s", h.Type())
		}
	})

	t.Run("acceptor can refuse on parameter shape", func(t *testing.T) {
		r := NewRegistry()
		r.Register(&modalHandler{})

		if _, ok := r.Lookup("bespoke_thing", map[string]any{"mode": "fast"}); !ok {
			t.Error("expected acceptor to take the task")
		}
		if _, ok := r.Lookup("bespoke_thing", nil); ok {
			t.Error("expected acceptor to refuse without mode parameter")
		}
	})

	t.Run("no handler at all", func(t *testing.T) {
		r := NewRegistry()
		r.Register(&FileHandler{})
		if _, ok := r.Lookup("bespoke_thing", nil); ok {
			t.Error("expected no handler")
		}
	})

	t.Run("types preserves registration order", func(t *testing.T) {
		r := NewRegistry()
		r.Register(&FileHandler{})
		r.Register(&APIHandler{})
		types := r.Types()
		if len(types) != 2 || types[0] != workflow.TypeFileWriter || types[1] != workflow.TypeAPICaller {
			t.Errorf("unexpected types %v", types)
		}
	})
}

func TestFileHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("writes inside the sandbox", func(t *testing.T) {
		dir := t.TempDir()
		h := &FileHandler{WorkDir: dir}

		data, err := h.Execute(ctx, dispatch(workflow.TypeFileWriter, map[string]any{
			"path": "reports/out.txt", "content": "hello",
		}))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if data["status"] != "success" || data["bytes_written"] != 5 {
			t.Errorf("unexpected data %v", data)
		}
		got, err := os.ReadFile(filepath.Join(dir, "reports", "out.txt"))
		if err != nil || string(got) != "hello" {
			t.Errorf("file content %q, err %v", got, err)
		}
	})

	t.Run("rejects absolute paths", func(t *testing.T) {
		h := &FileHandler{WorkDir: t.TempDir()}
		_, err := h.Execute(ctx, dispatch(workflow.TypeFileWriter, map[string]any{
			"path": "/etc/passwd", "content": "x",
		}))
		if got := taskErrorType(t, err); got != "PathViolation" {
			t.Errorf("expected PathViolation, got %s", got)
		}
	})

	t.Run("rejects traversal", func(t *testing.T) {
		h := &FileHandler{WorkDir: t.TempDir()}
		_, err := h.Execute(ctx, dispatch(workflow.TypeFileWriter, map[string]any{
			"path": "safe/../../escape.txt", "content": "x",
		}))
		if got := taskErrorType(t, err); got != "PathViolation" {
			t.Errorf("expected PathViolation, got %s", got)
		}
	})

	t.Run("allowlist narrows writable paths", func(t *testing.T) {
		h := &FileHandler{WorkDir: t.TempDir(), AllowedPaths: []string{"output/**"}}

		if _, err := h.Execute(ctx, dispatch(workflow.TypeFileWriter, map[string]any{
			"path": "output/a/b.txt", "content": "x",
		})); err != nil {
			t.Errorf("expected allowlisted write to pass: %v", err)
		}
		_, err := h.Execute(ctx, dispatch(workflow.TypeFileWriter, map[string]any{
			"path": "secrets/key.txt", "content": "x",
		}))
		if got := taskErrorType(t, err); got != "PathViolation" {
			t.Errorf("expected PathViolation, got %s", got)
		}
	})

	t.Run("missing path parameter", func(t *testing.T) {
		h := &FileHandler{WorkDir: t.TempDir()}
		_, err := h.Execute(ctx, dispatch(workflow.TypeFileWriter, map[string]any{"content": "x"}))
		if got := taskErrorType(t, err); got != "InvalidParameters" {
			t.Errorf("expected InvalidParameters, got %s", got)
		}
	})
}

func TestAPIHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("reports status and body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("expected POST, got %s", r.Method)
			}
			if got := r.Header.Get("X-Token"); got != "abc" {
				t.Errorf("expected header, got %q", got)
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": 7}`))
		}))
		defer srv.Close()

		h := &APIHandler{}
		data, err := h.Execute(ctx, dispatch(workflow.TypeAPICaller, map[string]any{
			"url":     srv.URL,
			"method":  "post",
			"body":    `{"name": "x"}`,
			"headers": map[string]any{"X-Token": "abc"},
		}))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if data["status"] != http.StatusCreated || data["body"] != `{"id": 7}` {
			t.Errorf("unexpected data %v", data)
		}
	})

	t.Run("HTTP errors are data, not handler errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		defer srv.Close()

		h := &APIHandler{}
		data, err := h.Execute(ctx, dispatch(workflow.TypeAPICaller, map[string]any{"url": srv.URL}))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if data["status"] != http.StatusForbidden {
			t.Errorf("expected 403 in data, got %v", data["status"])
		}
	})

	t.Run("transport failure is a connection error", func(t *testing.T) {
		h := &APIHandler{}
		_, err := h.Execute(ctx, dispatch(workflow.TypeAPICaller, map[string]any{
			"url": "http://127.0.0.1:1", // nothing listens here
		}))
		if got := taskErrorType(t, err); got != "ConnectionError" {
			t.Errorf("expected ConnectionError, got %s", got)
		}
	})

	t.Run("missing url parameter", func(t *testing.T) {
		h := &APIHandler{}
		_, err := h.Execute(ctx, dispatch(workflow.TypeAPICaller, nil))
		if got := taskErrorType(t, err); got != "InvalidParameters" {
			t.Errorf("expected InvalidParameters, got %s", got)
		}
	})
}

func TestGenericHandler(t *testing.T) {
	h := &GenericHandler{}
	if !h.Accepts("anything_at_all", nil) {
		t.Error("expected generic to accept any type")
	}
	data, err := h.Execute(context.Background(), dispatch("anything_at_all", map[string]any{"k": "v"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if data["status"] != "success" {
		t.Errorf("unexpected data %v", data)
	}
}

func TestDuplicateDeliveryDeferred(t *testing.T) {
	e := New(nil, nil, NewRegistry())

	env := dispatch(workflow.TypeGeneric, nil)
	data, err := workflow.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// The first delivery of the task is still running locally.
	if !e.begin(env.TaskID) {
		t.Fatal("expected first begin to win")
	}
	defer e.end(env.TaskID)

	err = e.handle(context.Background(), fabric.Delivery{Data: data})
	if !errors.Is(err, fabric.ErrRetryLater) {
		t.Fatalf("expected duplicate to defer, got %v", err)
	}
}

func TestClassifyStderr(t *testing.T) {
	cases := []struct {
		name   string
		stderr string
		want   string
	}{
		{
			name:   "python traceback",
			stderr: "Traceback (most recent call last):\n  File \"<string>\", line 1, in <module>\nModuleNotFoundError: No module named 'requests'\n",
			want:   "ModuleNotFoundError",
		},
		{
			name:   "value error",
			stderr: "ValueError: invalid literal for int()\n",
			want:   "ValueError",
		},
		{
			name:   "no colon",
			stderr: "segmentation fault",
			want:   "ExecutionError",
		},
		{
			name:   "empty",
			stderr: "",
			want:   "ExecutionError",
		},
		{
			name:   "path-like last line is not a type",
			stderr: "/usr/bin/python3: not found",
			want:   "ExecutionError",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyStderr(tc.stderr); got != tc.want {
				t.Errorf("classifyStderr(%q) = %s, want %s", tc.stderr, got, tc.want)
			}
		})
	}
}
