package planner

import (
	"context"
	"sync"
)

// Scripted is an Oracle that replays queued responses. It backs the
// standalone mode's canned planning and deterministic tests: each call
// pops the next queued plan or correction, and an empty queue reports
// ErrUnavailable the way a dead endpoint would.
type Scripted struct {
	mu          sync.Mutex
	plans       []*Plan
	corrections []*Correction

	// PlanFunc, when set, overrides the queue for PlanInitial.
	PlanFunc func(ctx context.Context, prompt string) (*Plan, error)

	// CorrectionFunc, when set, overrides the queue for PlanCorrection.
	CorrectionFunc func(ctx context.Context, cc CorrectionContext) (*Correction, error)
}

// QueuePlan appends a plan to be returned by the next PlanInitial call.
func (s *Scripted) QueuePlan(p *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, p)
}

// QueueCorrection appends a correction for the next PlanCorrection call.
func (s *Scripted) QueueCorrection(c *Correction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrections = append(s.corrections, c)
}

// PlanInitial pops the next queued plan.
func (s *Scripted) PlanInitial(ctx context.Context, prompt string) (*Plan, error) {
	if s.PlanFunc != nil {
		return s.PlanFunc(ctx, prompt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.plans) == 0 {
		return nil, ErrUnavailable
	}
	p := s.plans[0]
	s.plans = s.plans[1:]
	return p, nil
}

// PlanCorrection pops the next queued correction.
func (s *Scripted) PlanCorrection(ctx context.Context, cc CorrectionContext) (*Correction, error) {
	if s.CorrectionFunc != nil {
		return s.CorrectionFunc(ctx, cc)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.corrections) == 0 {
		return nil, ErrUnavailable
	}
	c := s.corrections[0]
	s.corrections = s.corrections[1:]
	return c, nil
}

var _ Oracle = (*Scripted)(nil)
