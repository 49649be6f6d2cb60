// Package api exposes the engine over HTTP: workflow submission,
// status, cancellation, health, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/dagflow/orchestrator"
	"github.com/c360studio/dagflow/store"
	"github.com/c360studio/dagflow/workflow"
)

// Server is the HTTP front door.
type Server struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
	http   *http.Server
}

// New creates a server listening on addr.
func New(addr string, st *store.Store, orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: st, orch: orch, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflows", s.handleSubmit)
	mux.HandleFunc("GET /workflows/{id}", s.handleStatus)
	mux.HandleFunc("POST /workflows/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

type submitRequest struct {
	Prompt string `json:"prompt"`
}

type workflowResponse struct {
	Workflow *workflow.Workflow `json:"workflow"`
	Tasks    []*workflow.Task   `json:"tasks,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, errors.New("prompt is required"))
		return
	}
	wf, err := s.orch.Submit(r.Context(), req.Prompt)
	if err != nil {
		if wf != nil {
			// Admission created the workflow but planning failed; the
			// caller gets the failed workflow rather than an opaque 500.
			writeJSON(w, http.StatusUnprocessableEntity, workflowResponse{Workflow: wf})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, workflowResponse{Workflow: wf})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, tasks, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("workflow %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowResponse{Workflow: wf, Tasks: tasks})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.CancelWorkflow(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("workflow %s not found", id))
	case errors.Is(err, store.ErrWorkflowTerminal):
		writeError(w, http.StatusConflict, fmt.Errorf("workflow %s is already terminal", id))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		wf, tasks, gerr := s.store.GetWorkflow(r.Context(), id)
		if gerr != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, workflowResponse{Workflow: wf, Tasks: tasks})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListActiveWorkflowIDs(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("store unavailable: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
