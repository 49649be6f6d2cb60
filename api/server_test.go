package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/c360studio/dagflow/fabric"
	"github.com/c360studio/dagflow/orchestrator"
	"github.com/c360studio/dagflow/planner"
	"github.com/c360studio/dagflow/store"
	"github.com/c360studio/dagflow/testutil"
	"github.com/c360studio/dagflow/workflow"
)

func newTestServer(t *testing.T, oracle planner.Oracle) *Server {
	t.Helper()
	ctx := context.Background()
	js := testutil.StartNATS(t)
	st, err := store.New(ctx, js)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	fb, err := fabric.New(ctx, js)
	if err != nil {
		t.Fatalf("create fabric: %v", err)
	}
	orch := orchestrator.New(st, fb, oracle)
	return New(":0", st, orch, nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeWorkflow(t *testing.T, rec *httptest.ResponseRecorder) workflowResponse {
	t.Helper()
	var resp workflowResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestSubmitEndpoint(t *testing.T) {
	t.Run("admits a planned workflow", func(t *testing.T) {
		oracle := &planner.Scripted{}
		oracle.QueuePlan(&planner.Plan{Tasks: []planner.TaskSpec{
			{Description: "greet", ExecutorType: workflow.TypeGeneric},
		}})
		s := newTestServer(t, oracle)

		rec := do(t, s, http.MethodPost, "/workflows", `{"prompt": "say hello"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
		}
		resp := decodeWorkflow(t, rec)
		if resp.Workflow == nil || resp.Workflow.ID == "" {
			t.Fatalf("expected workflow in response, got %s", rec.Body)
		}
		if resp.Workflow.FinalStatus != workflow.WorkflowInProgress {
			t.Errorf("expected in_progress, got %s", resp.Workflow.FinalStatus)
		}
	})

	t.Run("empty prompt is a bad request", func(t *testing.T) {
		s := newTestServer(t, &planner.Scripted{})
		rec := do(t, s, http.MethodPost, "/workflows", `{"prompt": ""}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("planning failure returns the failed workflow", func(t *testing.T) {
		s := newTestServer(t, &planner.Scripted{})
		rec := do(t, s, http.MethodPost, "/workflows", `{"prompt": "anything"}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body)
		}
		resp := decodeWorkflow(t, rec)
		if resp.Workflow == nil || resp.Workflow.FinalStatus != workflow.WorkflowFailed {
			t.Errorf("expected failed workflow in response, got %s", rec.Body)
		}
	})
}

func TestStatusEndpoint(t *testing.T) {
	oracle := &planner.Scripted{}
	oracle.QueuePlan(&planner.Plan{Tasks: []planner.TaskSpec{
		{Description: "a", ExecutorType: workflow.TypeGeneric},
		{Description: "b", ExecutorType: workflow.TypeGeneric, DependsOn: []int{0}},
	}})
	s := newTestServer(t, oracle)

	created := decodeWorkflow(t, do(t, s, http.MethodPost, "/workflows", `{"prompt": "p"}`))

	rec := do(t, s, http.MethodGet, "/workflows/"+created.Workflow.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeWorkflow(t, rec)
	if len(resp.Tasks) != 2 {
		t.Errorf("expected 2 tasks, got %d", len(resp.Tasks))
	}

	rec = do(t, s, http.MethodGet, "/workflows/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	oracle := &planner.Scripted{}
	oracle.QueuePlan(&planner.Plan{Tasks: []planner.TaskSpec{
		{Description: "a", ExecutorType: workflow.TypeGeneric},
	}})
	s := newTestServer(t, oracle)

	created := decodeWorkflow(t, do(t, s, http.MethodPost, "/workflows", `{"prompt": "p"}`))
	id := created.Workflow.ID

	rec := do(t, s, http.MethodPost, "/workflows/"+id+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	resp := decodeWorkflow(t, rec)
	if resp.Workflow.FinalStatus != workflow.WorkflowCancelled {
		t.Errorf("expected cancelled, got %s", resp.Workflow.FinalStatus)
	}

	// Cancelling a terminal workflow conflicts.
	rec = do(t, s, http.MethodPost, "/workflows/"+id+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/workflows/missing/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &planner.Scripted{})
	rec := do(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
