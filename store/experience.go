package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/dagflow/workflow"
)

// WriteExperience appends one experience record to the EXPERIENCE
// stream. The stream is append-only by construction; callers guarantee
// one record per terminal task (the evaluator's exactly-once scoring, or
// finalization for cancelled tasks).
func (s *Store) WriteExperience(ctx context.Context, rec *workflow.Experience) error {
	if rec.ID == "" {
		rec.ID = workflow.NewID()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now().UTC()
	}
	if rec.WorkflowID == "" || rec.TaskID == "" {
		return fmt.Errorf("experience record requires workflow_id and task_id")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal experience: %w", err)
	}
	subject := workflow.ExperienceSubject(rec.WorkflowID)
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("append experience: %w", err)
	}
	return nil
}
