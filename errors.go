package jobhub

import "errors"

// ErrValidation is returned when a submission is rejected before queuing.
var ErrValidation = errors.New("jobhub: validation error")

// ErrUnknownJobType is returned when no handler is registered for a job type.
// It is a configuration error: jobs failing with it are never retried.
var ErrUnknownJobType = errors.New("jobhub: unknown job type")

// ErrQueueFull is returned when the queue has reached its capacity.
var ErrQueueFull = errors.New("jobhub: queue full")

// ErrNotFound is returned when a job or alert id is unknown.
var ErrNotFound = errors.New("jobhub: not found")

// ErrInvalidState is returned when an operation is not valid for the job's current status.
var ErrInvalidState = errors.New("jobhub: invalid state")

// ErrRetryLimitExceeded is returned when a retry is requested for a job out of attempts.
var ErrRetryLimitExceeded = errors.New("jobhub: retry limit exceeded")

// ErrExecution wraps an error returned by a handler.
var ErrExecution = errors.New("jobhub: execution error")

// ErrTimeout is the cancellation cause of an attempt that exceeded its timeout.
var ErrTimeout = errors.New("jobhub: attempt timed out")

// ErrCancelled is the cancellation cause of an attempt stopped by Cancel.
var ErrCancelled = errors.New("jobhub: job cancelled")

// ErrUnknownStatus is returned by ParseStatus for an invalid value.
var ErrUnknownStatus = errors.New("jobhub: unknown status")

// ErrUnknownPriority is returned by ParsePriority for an invalid value.
var ErrUnknownPriority = errors.New("jobhub: unknown priority")

// ErrDuplicateID is returned when a job id is already in use.
var ErrDuplicateID = errors.New("jobhub: duplicate job id")

// ErrServerStopped is the cancellation cause of attempts abandoned by Stop.
var ErrServerStopped = errors.New("jobhub: server not running")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as non-retryable: the job fails
// immediately regardless of its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
