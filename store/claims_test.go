package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/dagflow/store"
	"github.com/c360studio/dagflow/workflow"
)

// setupTask creates a workflow with one task and returns both IDs.
func setupTask(t *testing.T, st *store.Store) (string, string) {
	t.Helper()
	ctx := context.Background()
	wf, err := st.CreateWorkflow(ctx, "p")
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	task := newTask("work", workflow.TypeGeneric)
	if err := st.InsertTasks(ctx, wf.ID, []*workflow.Task{task}); err != nil {
		t.Fatalf("insert tasks: %v", err)
	}
	return wf.ID, task.ID
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("claim requires dispatched", func(t *testing.T) {
		st, _ := newTestStore(t)
		wfID, taskID := setupTask(t, st)

		_, err := st.Claim(ctx, wfID, taskID, "exec-1", time.Minute)
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("expected ErrConflict claiming pending task, got %v", err)
		}
	})

	t.Run("double dispatch conflicts", func(t *testing.T) {
		st, _ := newTestStore(t)
		wfID, taskID := setupTask(t, st)

		if _, err := st.MarkDispatched(ctx, wfID, taskID); err != nil {
			t.Fatalf("mark dispatched: %v", err)
		}
		_, err := st.MarkDispatched(ctx, wfID, taskID)
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("expected ErrConflict on double dispatch, got %v", err)
		}
	})

	t.Run("second claim conflicts while lease is live", func(t *testing.T) {
		st, _ := newTestStore(t)
		wfID, taskID := setupTask(t, st)
		_, _ = st.MarkDispatched(ctx, wfID, taskID)

		if _, err := st.Claim(ctx, wfID, taskID, "exec-1", time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}
		_, err := st.Claim(ctx, wfID, taskID, "exec-2", time.Minute)
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("expected ErrConflict on second claim, got %v", err)
		}
	})

	t.Run("renew extends lease, wrong token rejected", func(t *testing.T) {
		st, clock := newTestStore(t)
		wfID, taskID := setupTask(t, st)
		_, _ = st.MarkDispatched(ctx, wfID, taskID)

		token, err := st.Claim(ctx, wfID, taskID, "exec-1", time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}

		clock.Advance(45 * time.Second)
		if err := st.Renew(ctx, wfID, taskID, token, time.Minute); err != nil {
			t.Fatalf("renew: %v", err)
		}
		if err := st.Renew(ctx, wfID, taskID, "bogus", time.Minute); !errors.Is(err, store.ErrStaleClaim) {
			t.Fatalf("expected ErrStaleClaim for wrong token, got %v", err)
		}

		// The renewal pushed the expiry past the original minute.
		clock.Advance(45 * time.Second)
		if err := st.Renew(ctx, wfID, taskID, token, time.Minute); err != nil {
			t.Fatalf("renew after original expiry: %v", err)
		}
	})

	t.Run("report succeeds once, stale after", func(t *testing.T) {
		st, _ := newTestStore(t)
		wfID, taskID := setupTask(t, st)
		_, _ = st.MarkDispatched(ctx, wfID, taskID)
		token, _ := st.Claim(ctx, wfID, taskID, "exec-1", time.Minute)

		res := &workflow.RawResult{
			Outcome: workflow.OutcomeOK, Data: map[string]any{"status": "success"}, ExecutorID: "exec-1",
		}
		if err := st.Report(ctx, wfID, taskID, token, res); err != nil {
			t.Fatalf("report: %v", err)
		}
		if err := st.Report(ctx, wfID, taskID, token, res); !errors.Is(err, store.ErrStaleClaim) {
			t.Fatalf("expected ErrStaleClaim on second report, got %v", err)
		}

		task, err := st.GetTask(ctx, wfID, taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status != workflow.TaskSucceeded {
			t.Errorf("expected succeeded, got %s", task.Status)
		}
		if task.ClaimToken != "" || task.ClaimExpiresAt != nil {
			t.Error("expected claim cleared after report")
		}
	})

	t.Run("expired claim cannot report", func(t *testing.T) {
		st, clock := newTestStore(t)
		wfID, taskID := setupTask(t, st)
		_, _ = st.MarkDispatched(ctx, wfID, taskID)
		token, _ := st.Claim(ctx, wfID, taskID, "exec-1", time.Minute)

		clock.Advance(2 * time.Minute)
		err := st.Report(ctx, wfID, taskID, token, &workflow.RawResult{
			Outcome: workflow.OutcomeOK, Data: map[string]any{}, ExecutorID: "exec-1",
		})
		if !errors.Is(err, store.ErrStaleClaim) {
			t.Fatalf("expected ErrStaleClaim for expired claim, got %v", err)
		}
	})
}

func TestRedispatchStalled(t *testing.T) {
	ctx := context.Background()
	staleAfter := 30 * time.Second

	t.Run("unclaimed dispatch is resent once per interval", func(t *testing.T) {
		st, clock := newTestStore(t)
		wfID, taskID := setupTask(t, st)
		_, _ = st.MarkDispatched(ctx, wfID, taskID)

		clock.Advance(time.Minute)
		stalled, err := st.RedispatchStalled(ctx, clock.Now(), staleAfter)
		if err != nil {
			t.Fatalf("redispatch stalled: %v", err)
		}
		if len(stalled) != 1 || stalled[0].Task.ID != taskID {
			t.Fatalf("expected the stalled task, got %+v", stalled)
		}

		task, _ := st.GetTask(ctx, wfID, taskID)
		if task.Status != workflow.TaskDispatched {
			t.Errorf("expected task still dispatched, got %s", task.Status)
		}
		if task.Retries != 0 {
			t.Errorf("expected no retry charged, got %d", task.Retries)
		}

		// The bump above suppresses an immediate second resend.
		stalled, err = st.RedispatchStalled(ctx, clock.Now(), staleAfter)
		if err != nil {
			t.Fatalf("redispatch stalled: %v", err)
		}
		if len(stalled) != 0 {
			t.Fatalf("expected no resend within the interval, got %d", len(stalled))
		}

		// Still unclaimed an interval later, it is returned again.
		clock.Advance(time.Minute)
		stalled, _ = st.RedispatchStalled(ctx, clock.Now(), staleAfter)
		if len(stalled) != 1 {
			t.Fatalf("expected resend after another interval, got %d", len(stalled))
		}
	})

	t.Run("pending and claimed tasks are left alone", func(t *testing.T) {
		st, clock := newTestStore(t)
		wfID, taskID := setupTask(t, st)

		clock.Advance(time.Minute)
		stalled, err := st.RedispatchStalled(ctx, clock.Now(), staleAfter)
		if err != nil {
			t.Fatalf("redispatch stalled: %v", err)
		}
		if len(stalled) != 0 {
			t.Fatalf("pending task must not be resent, got %d", len(stalled))
		}

		_, _ = st.MarkDispatched(ctx, wfID, taskID)
		if _, err := st.Claim(ctx, wfID, taskID, "exec-1", time.Hour); err != nil {
			t.Fatalf("claim: %v", err)
		}
		clock.Advance(time.Minute)
		stalled, _ = st.RedispatchStalled(ctx, clock.Now(), staleAfter)
		if len(stalled) != 0 {
			t.Fatalf("claimed task must not be resent, got %d", len(stalled))
		}
	})
}

func TestReapExpired(t *testing.T) {
	ctx := context.Background()

	t.Run("expired claim flips back to dispatched with retry", func(t *testing.T) {
		st, clock := newTestStore(t)
		wfID, taskID := setupTask(t, st)
		_, _ = st.MarkDispatched(ctx, wfID, taskID)
		_, _ = st.Claim(ctx, wfID, taskID, "exec-1", time.Minute)

		clock.Advance(2 * time.Minute)
		reaped, err := st.ReapExpired(ctx, clock.Now(), 3)
		if err != nil {
			t.Fatalf("reap: %v", err)
		}
		if len(reaped) != 1 || reaped[0].Failed {
			t.Fatalf("expected 1 redispatched reap, got %+v", reaped)
		}

		task, _ := st.GetTask(ctx, wfID, taskID)
		if task.Status != workflow.TaskDispatched {
			t.Errorf("expected dispatched, got %s", task.Status)
		}
		if task.Retries != 1 {
			t.Errorf("expected retries 1, got %d", task.Retries)
		}
	})

	t.Run("retry budget exhaustion fails the task", func(t *testing.T) {
		st, clock := newTestStore(t)
		wfID, taskID := setupTask(t, st)
		_, _ = st.MarkDispatched(ctx, wfID, taskID)

		maxRetries := 2
		for i := 0; ; i++ {
			if _, err := st.Claim(ctx, wfID, taskID, "exec-1", time.Minute); err != nil {
				t.Fatalf("claim round %d: %v", i, err)
			}
			clock.Advance(2 * time.Minute)
			reaped, err := st.ReapExpired(ctx, clock.Now(), maxRetries)
			if err != nil {
				t.Fatalf("reap round %d: %v", i, err)
			}
			if len(reaped) != 1 {
				t.Fatalf("round %d: expected 1 reap, got %d", i, len(reaped))
			}
			if reaped[0].Failed {
				break
			}
			if i > maxRetries {
				t.Fatal("reaper never failed the task")
			}
		}

		task, _ := st.GetTask(ctx, wfID, taskID)
		if task.Status != workflow.TaskFailed {
			t.Fatalf("expected failed, got %s", task.Status)
		}
		if task.Result == nil || task.Result.Error == nil || task.Result.Error.Type != "ClaimExpired" {
			t.Errorf("expected ClaimExpired result, got %+v", task.Result)
		}
	})

	t.Run("live claims are left alone", func(t *testing.T) {
		st, clock := newTestStore(t)
		wfID, taskID := setupTask(t, st)
		_, _ = st.MarkDispatched(ctx, wfID, taskID)
		_, _ = st.Claim(ctx, wfID, taskID, "exec-1", time.Minute)

		reaped, err := st.ReapExpired(ctx, clock.Now(), 3)
		if err != nil {
			t.Fatalf("reap: %v", err)
		}
		if len(reaped) != 0 {
			t.Fatalf("expected no reaps, got %d", len(reaped))
		}
		task, _ := st.GetTask(ctx, wfID, taskID)
		if task.Status != workflow.TaskInProgress {
			t.Errorf("expected in_progress, got %s", task.Status)
		}
	})
}
