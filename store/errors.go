package store

import "errors"

// Store errors, classified per the engine's error taxonomy. Conflict-class
// errors mean the caller lost a race and should treat the call as a local
// no-op; the durable state is consistent without them.
var (
	// ErrNotFound is returned when a workflow or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a state transition loses to a
	// concurrent writer (already dispatched, already evaluated, claim
	// held elsewhere).
	ErrConflict = errors.New("conflicting state transition")

	// ErrStaleClaim is returned by Report and Renew when the claim token
	// no longer matches or the lease has expired.
	ErrStaleClaim = errors.New("stale claim")

	// ErrCycleDetected is returned when an insert or surgery would make
	// the dependency relation cyclic.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrDanglingDependency is returned when an edge references a task
	// that does not exist in the workflow.
	ErrDanglingDependency = errors.New("dangling dependency")

	// ErrInvariantViolation is returned when a transition would break a
	// structural invariant and has been refused.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrWorkflowTerminal is returned when mutating a workflow that has
	// already reached a terminal status.
	ErrWorkflowTerminal = errors.New("workflow is terminal")
)
