package caseiter

import (
	"errors"
	"fmt"
)

// Sentinel errors that can escape execute() or classify a worker's
// fault.
var (
	// ErrNoCapacity means the resource allocator reported max_servers
	// == 0 up front. Fatal for the run.
	ErrNoCapacity = errors.New("caseiter: no capacity: allocator reports zero servers available")

	// ErrStopRequested is surfaced from Orchestrator.Execute after
	// cleanup when a cooperative stop was observed mid-run.
	ErrStopRequested = errors.New("caseiter: run stopped by request")

	// ErrAllocationFailure means the resource allocator returned
	// nothing for a worker; that worker is marked not-in-use and the
	// rest of the pool continues.
	ErrAllocationFailure = errors.New("caseiter: resource allocation failed")
)

// ServerError is an infrastructure-side failure on a worker — load,
// set, or execute-dispatch. It triggers a retry of the offending case
// if budget remains.
type ServerError struct {
	Worker string
	Op string
	Err error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("caseiter: server error on worker %s during %s: %v", e.Worker, e.Op, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

// ModelException is a user-level exception raised by the model during
// run(). It is never retried; it is surfaced into Case.Msg and
// recorded as-is.
type ModelException struct {
	Worker string
	Err error
}

func (e *ModelException) Error() string {
	return fmt.Sprintf("caseiter: model exception on worker %s: %v", e.Worker, e.Err)
}

func (e *ModelException) Unwrap() error { return e.Err }

// OutputReadError is a failure extracting a named output from a
// completed model. It is attached to Case.Msg per-output and does not
// abort the run.
type OutputReadError struct {
	Name string
	Err error
}

func (e *OutputReadError) Error() string {
	return fmt.Sprintf("caseiter: exception getting %q: %v", e.Name, e.Err)
}

func (e *OutputReadError) Unwrap() error { return e.Err }
