// Package store provides the durable workflow/task store on NATS
// JetStream KV.
//
// Each workflow is one KV document holding the workflow row, every task
// row, and the dispatch sequence counter. Every operation is a single
// compare-and-swap on that document keyed by KV revision, so multi-row
// transitions (surgery above all) commit atomically or not at all.
// Writers that lose the CAS retry their read-modify-write; semantic
// conflicts surface as ErrConflict/ErrStaleClaim and are never retried.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/dagflow/workflow"
)

// Bucket and stream names owned by the store.
const (
	BucketWorkflows = "DAGFLOW_WORKFLOWS"
)

// casAttempts bounds optimistic-concurrency retries per operation.
const casAttempts = 16

// Store is the durable task/workflow store.
type Store struct {
	kv     jetstream.KeyValue
	js     jetstream.JetStream
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates the store, provisioning the workflow bucket and the
// experience stream if they do not exist.
func New(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Store, error) {
	kv, err := js.KeyValue(ctx, BucketWorkflows)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketWorkflows,
			Description: "dagflow workflow documents",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("create workflow bucket: %w", err)
		}
	}

	if _, err := js.Stream(ctx, workflow.StreamExperience); err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:     workflow.StreamExperience,
			Subjects: []string{workflow.SubjectExperienceAll},
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("create experience stream: %w", err)
		}
	}

	s := &Store{
		kv:     kv,
		js:     js,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// document is the per-workflow KV value.
type document struct {
	Workflow    workflow.Workflow         `json:"workflow"`
	Tasks       map[string]*workflow.Task `json:"tasks"`
	DispatchSeq uint64                    `json:"dispatch_seq"`
}

func (d *document) taskList() []*workflow.Task {
	tasks := make([]*workflow.Task, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].TaskOrder != tasks[j].TaskOrder {
			return tasks[i].TaskOrder < tasks[j].TaskOrder
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

// activeGraph builds the dependency graph over non-cancelled tasks.
func (d *document) activeGraph() (*workflow.DependencyGraph, error) {
	var tasks []*workflow.Task
	for _, t := range d.Tasks {
		if t.Status != workflow.TaskCancelled {
			tasks = append(tasks, t)
		}
	}
	return workflow.NewDependencyGraph(tasks)
}

func (s *Store) load(ctx context.Context, workflowID string) (*document, uint64, error) {
	entry, err := s.kv.Get(ctx, workflowID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get workflow %s: %w", workflowID, err)
	}
	var doc document
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, 0, fmt.Errorf("unmarshal workflow %s: %w", workflowID, err)
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]*workflow.Task)
	}
	return &doc, entry.Revision(), nil
}

// mutate runs fn inside a CAS loop. fn sees the current document and
// either mutates it or returns a semantic error, which aborts the loop
// unretried. A nil error from fn commits the document at the observed
// revision; a lost CAS re-reads and retries.
func (s *Store) mutate(ctx context.Context, workflowID string, fn func(*document) error) (*document, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		doc, rev, err := s.load(ctx, workflowID)
		if err != nil {
			return nil, err
		}

		if err := fn(doc); err != nil {
			return nil, err
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("marshal workflow %s: %w", workflowID, err)
		}

		if _, err := s.kv.Update(ctx, workflowID, data, rev); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Debug("workflow CAS lost, retrying",
				"workflow_id", workflowID, "attempt", attempt+1, "error", err)
			continue
		}
		return doc, nil
	}
	return nil, fmt.Errorf("workflow %s: CAS contention exhausted %d attempts", workflowID, casAttempts)
}

// CreateWorkflow persists a new workflow with no tasks yet.
func (s *Store) CreateWorkflow(ctx context.Context, prompt string) (*workflow.Workflow, error) {
	wf := workflow.Workflow{
		ID:          workflow.NewID(),
		Prompt:      prompt,
		CreatedAt:   s.now().UTC(),
		FinalStatus: workflow.WorkflowInProgress,
	}
	doc := document{Workflow: wf, Tasks: map[string]*workflow.Task{}}
	data, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	if _, err := s.kv.Create(ctx, wf.ID, data); err != nil {
		return nil, fmt.Errorf("create workflow %s: %w", wf.ID, err)
	}
	return &wf, nil
}

// InsertTasks bulk-inserts tasks into a workflow after checking edge
// integrity: every dependency must land inside the workflow and the
// combined relation must stay acyclic.
func (s *Store) InsertTasks(ctx context.Context, workflowID string, tasks []*workflow.Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks to insert")
	}
	_, err := s.mutate(ctx, workflowID, func(doc *document) error {
		if doc.Workflow.FinalStatus.Terminal() {
			return ErrWorkflowTerminal
		}

		known := make(map[string]bool, len(doc.Tasks)+len(tasks))
		for id := range doc.Tasks {
			known[id] = true
		}
		now := s.now().UTC()
		for _, t := range tasks {
			if t.ID == "" {
				t.ID = workflow.NewID()
			}
			t.WorkflowID = workflowID
			t.Status = workflow.TaskPending
			t.CreatedAt = now
			t.LastUpdateAt = now
			if err := t.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
			}
			if known[t.ID] {
				return fmt.Errorf("%w: duplicate task %s", ErrInvariantViolation, t.ID)
			}
			known[t.ID] = true
		}
		for _, t := range tasks {
			for _, dep := range t.DependsOn {
				if !known[dep] {
					return fmt.Errorf("%w: task %s references %s", ErrDanglingDependency, t.ID, dep)
				}
			}
		}

		for _, t := range tasks {
			doc.Tasks[t.ID] = t
		}
		if _, err := doc.activeGraph(); err != nil {
			return fmt.Errorf("%w: %v", ErrCycleDetected, err)
		}
		return nil
	})
	return err
}

// GetWorkflow returns the workflow row and its tasks in stable order.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*workflow.Workflow, []*workflow.Task, error) {
	doc, _, err := s.load(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	wf := doc.Workflow
	return &wf, doc.taskList(), nil
}

// GetTask returns one task row.
func (s *Store) GetTask(ctx context.Context, workflowID, taskID string) (*workflow.Task, error) {
	doc, _, err := s.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	t, ok := doc.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, nil
}

// ListActiveWorkflowIDs returns the IDs of workflows that have not
// reached a terminal status, sorted for deterministic scan order.
func (s *Store) ListActiveWorkflowIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	sort.Strings(keys)

	var active []string
	for _, key := range keys {
		doc, _, err := s.load(ctx, key)
		if err != nil {
			continue
		}
		if !doc.Workflow.FinalStatus.Terminal() {
			active = append(active, key)
		}
	}
	return active, nil
}

// ReadyTask pairs a ready task with its workflow for dispatch.
type ReadyTask struct {
	WorkflowID string
	Task       *workflow.Task
}

// ReadyTasks returns up to limit tasks whose status is pending and whose
// every dependency has succeeded, in (workflow_id, task_order) order.
func (s *Store) ReadyTasks(ctx context.Context, limit int) ([]ReadyTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.ListActiveWorkflowIDs(ctx)
	if err != nil {
		return nil, err
	}

	var out []ReadyTask
	for _, id := range ids {
		doc, _, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		graph, err := doc.activeGraph()
		if err != nil {
			s.logger.Error("workflow graph invalid during scan", "workflow_id", id, "error", err)
			continue
		}
		for _, t := range graph.Ready() {
			out = append(out, ReadyTask{WorkflowID: id, Task: t})
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}
