package jobhub

import (
	"encoding/json"
	"slices"
	"time"
)

// Job is the unit of work and its lifecycle metadata.
// It is serialized to JSON by the stores and the HTTP API.
type Job struct {
	// ID is the unique identifier assigned at submission.
	ID string `json:"id"`
	// Type selects the handler registered on the Mux.
	Type string `json:"type"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// Priority is the dispatch band.
	Priority Priority `json:"priority"`
	// Data is the type-specific payload, validated at submission.
	Data json.RawMessage `json:"data,omitempty"`
	// User identifies the submitter, used for listing filters.
	User string `json:"user,omitempty"`
	// Progress is written only by the worker executing the job.
	Progress *Progress `json:"progress,omitempty"`
	// Result is set when the job completes, or on a cooperative cancel of a running job.
	Result *Result `json:"result,omitempty"`
	// Error is set when the job fails, stalls or is interrupted.
	Error *JobError `json:"error,omitempty"`
	// Attempts counts claims by a worker; it is incremented when an attempt starts.
	Attempts int `json:"attempts"`
	// MaxRetries bounds automatic and user-triggered retries.
	MaxRetries int `json:"maxRetries"`
	// TimeoutMs is the maximum duration of a single attempt in milliseconds.
	TimeoutMs int64 `json:"timeout"`
	// WorkerID is the worker running (or that last ran) the job.
	WorkerID string `json:"workerId,omitempty"`
	// CancelRequested is set when Cancel is called on a running job.
	CancelRequested bool `json:"cancelRequested,omitempty"`
	// RetryOf is the id of the job this one was created from by Retry.
	RetryOf string `json:"retryOf,omitempty"`
	// Lineage counts user-triggered retries in this job's history.
	Lineage int `json:"lineage,omitempty"`
	// NextAttemptAt is when a job in backoff becomes eligible again.
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	// CanRetry is derived on read: true when Retry would be accepted.
	CanRetry bool `json:"canRetry"`
	// Timestamps records lifecycle instants.
	Timestamps Timestamps `json:"timestamps"`
}

// Timestamps holds the lifecycle instants of a job.
type Timestamps struct {
	Created     time.Time  `json:"created"`
	Queued      *time.Time `json:"queued,omitempty"`
	Started     *time.Time `json:"started,omitempty"`
	Completed   *time.Time `json:"completed,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	Updated     time.Time  `json:"updated"`
}

// Progress is the mutable progress sub-record of a running job.
type Progress struct {
	Percentage       int    `json:"percentage"`
	ProcessedItems   int    `json:"processedItems,omitempty"`
	TotalItems       int    `json:"totalItems,omitempty"`
	CurrentStep      int    `json:"currentStep,omitempty"`
	TotalSteps       int    `json:"totalSteps,omitempty"`
	CurrentOperation string `json:"currentOperation,omitempty"`
}

// Normalize clamps the progress so that processed items never exceed the
// total and the percentage stays within 0..100. A zero percentage is derived
// from items or steps when those are known.
func (p *Progress) Normalize() {
	if p.TotalItems < 0 {
		p.TotalItems = 0
	}
	if p.ProcessedItems < 0 {
		p.ProcessedItems = 0
	}
	if p.TotalItems > 0 && p.ProcessedItems > p.TotalItems {
		p.ProcessedItems = p.TotalItems
	}
	if p.TotalSteps > 0 && p.CurrentStep > p.TotalSteps {
		p.CurrentStep = p.TotalSteps
	}
	if p.Percentage == 0 {
		switch {
		case p.TotalItems > 0:
			p.Percentage = p.ProcessedItems * 100 / p.TotalItems
		case p.TotalSteps > 0:
			p.Percentage = p.CurrentStep * 100 / p.TotalSteps
		}
	}
	p.Percentage = min(max(p.Percentage, 0), 100)
}

// Result is the outcome of a completed (or cooperatively cancelled) job.
// A job with failed items is still a completed job: partial failures are
// reported here rather than as a job error.
type Result struct {
	Summary   string          `json:"summary,omitempty"`
	Processed int             `json:"processed"`
	Succeeded []string        `json:"succeeded,omitempty"`
	Failed    []ItemFailure   `json:"failed,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// ItemFailure records one failed sub-item of a job.
type ItemFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ErrorKind classifies a job error.
type ErrorKind string

const (
	ErrorKindExecution   ErrorKind = "execution"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindUnknownType ErrorKind = "unknown_type"
	ErrorKindInterrupted ErrorKind = "interrupted"
)

// JobError describes why the last attempt of a job did not complete.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
	// Retryable is false for permanent errors and unknown job types.
	Retryable bool `json:"retryable"`
}

// Timeout returns the per-attempt timeout as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// RetryAllowed reports whether the job has attempts left for another retry.
func (j *Job) RetryAllowed() bool {
	return j.Attempts < j.MaxRetries
}

// Terminal reports whether the job will not change status again without an
// explicit Retry: completed and cancelled jobs, and failed or stalled jobs
// that the dispatcher did not move to retry.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusStalled:
		return true
	}
	return false
}

// refresh recomputes derived fields.
func (j *Job) refresh() {
	j.CanRetry = (j.Status == StatusFailed || j.Status == StatusStalled) && j.RetryAllowed()
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Data = slices.Clone(j.Data)
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.Result != nil {
		r := *j.Result
		r.Succeeded = slices.Clone(j.Result.Succeeded)
		r.Failed = slices.Clone(j.Result.Failed)
		r.Output = slices.Clone(j.Result.Output)
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	c.NextAttemptAt = cloneTime(j.NextAttemptAt)
	c.Timestamps.Queued = cloneTime(j.Timestamps.Queued)
	c.Timestamps.Started = cloneTime(j.Timestamps.Started)
	c.Timestamps.Completed = cloneTime(j.Timestamps.Completed)
	c.Timestamps.CancelledAt = cloneTime(j.Timestamps.CancelledAt)
	c.Timestamps.FailedAt = cloneTime(j.Timestamps.FailedAt)
	c.refresh()
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
