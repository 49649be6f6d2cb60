package planner

import "errors"

// transientError marks an error that may succeed on retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func newTransientError(err error) error { return &transientError{err: err} }

// fatalError marks an error retrying cannot fix.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func newFatalError(err error) error { return &fatalError{err: err} }

func isFatal(err error) bool {
	var fatal *fatalError
	return errors.As(err, &fatal)
}
