package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAdmissionRejected is reserved for upstream validation; the scheduler itself never rejects.
	ErrAdmissionRejected = errors.New("admission rejected")
	ErrExecutionTimeout  = errors.New("execution timed out")
	ErrExecutionFailure  = errors.New("execution failed")
	ErrStopped           = errors.New("scheduler stopped")
	ErrNotStarted        = errors.New("scheduler not started")
)

// ExecutionError is returned to realtime callers when generation fails.
// It matches both its Kind sentinel and the underlying cause with errors.Is.
type ExecutionError struct {
	JobID   string
	Kind    error
	Latency time.Duration
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s: %v after %s: %v", e.JobID, e.Kind, e.Latency.Round(time.Millisecond), e.Err)
}

func (e *ExecutionError) Unwrap() []error { return []error{e.Kind, e.Err} }
