// Package main provides the dagflow binary: a distributed workflow
// engine that plans task DAGs, dispatches them to an executor pool over
// NATS, scores outcomes, and splices corrections into failed workflows.
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dagflow"
)

// Exit codes.
const (
	exitOK     = 0
	exitStore  = 1
	exitFabric = 2
	exitConfig = 3
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func storeError(err error) error  { return &exitError{code: exitStore, err: err} }
func fabricError(err error) error { return &exitError{code: exitFabric, err: err} }
func configError(err error) error { return &exitError{code: exitConfig, err: err} }

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitStore)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitStore)
	}
	os.Exit(exitOK)
}
