package stepsync

import (
	"fmt"

	"github.com/10gen/mongo-harness/internal/poll"
	"github.com/10gen/mongo-harness/internal/remote"
)

// StepTimeoutError means an operation did not reach a step in time. It
// carries the last $currentOp snapshot of matching ops.
type StepTimeoutError struct {
	Kind     string
	Step     int
	StepName string
	Endpoint string
	LastOps  []remote.Op
	Cause    *poll.TimeoutError
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf(
		"%s did not reach step %d (%s) on %#q: %v",
		e.Kind,
		e.Step,
		e.StepName,
		e.Endpoint,
		e.Cause,
	)
}

func (e *StepTimeoutError) Unwrap() error {
	return e.Cause
}
