package jobhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/jobhub/internal/hctx"
	"github.com/UniQw/jobhub/internal/pool"
	"github.com/google/uuid"
)

// Submit validates and queues a new job, returning its id.
// payload may be raw JSON ([]byte or json.RawMessage) or any value the
// encoder can serialize. It fails with ErrValidation (wrapping
// ErrUnknownJobType for unregistered types) or ErrQueueFull, and in both
// cases nothing is stored.
func (s *Server) Submit(ctx context.Context, jobType string, payload any, opts ...Option) (string, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	j, err := s.newJob(jobType, data, cfg)
	if err != nil {
		return "", err
	}
	if err := s.admit(ctx, j); err != nil {
		return "", err
	}
	return j.ID, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var data []byte
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		b, err := defaultEncoder.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", ErrValidation, err)
		}
		return b, nil
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	return data, nil
}

func (s *Server) newJob(jobType string, data json.RawMessage, o *options) (*Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("%w: job type is required", ErrValidation)
	}
	if err := s.mux.Validate(jobType, data); err != nil {
		return nil, err
	}
	prio := o.priority
	if prio == "" {
		prio = PriorityNormal
	}
	if prio.Rank() < 0 {
		return nil, fmt.Errorf("%w: %w: %q", ErrValidation, ErrUnknownPriority, prio)
	}
	maxRetries := s.cfg.DefaultMaxRetries
	if o.maxRetriesSet {
		maxRetries = o.maxRetries
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: maxRetries must not be negative", ErrValidation)
	}
	timeout := s.cfg.DefaultTimeout
	if o.timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrValidation)
	}
	if o.timeout > 0 {
		timeout = o.timeout
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Job{
		ID:         id,
		Type:       jobType,
		Status:     StatusPending,
		Priority:   prio,
		Data:       data,
		User:       o.user,
		MaxRetries: maxRetries,
		TimeoutMs:  timeout.Milliseconds(),
		Timestamps: Timestamps{Created: now, Updated: now},
	}, nil
}

// admit stores j as pending, moves it to queued and hands it to the queue.
func (s *Server) admit(ctx context.Context, j *Job) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if c := s.cfg.QueueCapacity; c > 0 && s.queue.Len() >= c {
		return fmt.Errorf("%w: capacity %d reached", ErrQueueFull, c)
	}
	if err := s.store.Create(ctx, j); err != nil {
		return err
	}
	now := time.Now().UTC()
	qj, err := s.update(ctx, j.ID, func(cur *Job) error {
		if err := setStatus(cur, StatusQueued); err != nil {
			return err
		}
		cur.Timestamps.Queued = timePtr(now)
		return nil
	})
	if err == nil {
		err = s.queue.Enqueue(queueItem(qj))
	}
	if err != nil {
		_ = s.store.Delete(ctx, j.ID)
		return err
	}
	s.metrics.submitted.WithLabelValues(qj.Type, string(qj.Priority)).Inc()
	s.log.Debugf("submitted: id=%s type=%s priority=%s", qj.ID, qj.Type, qj.Priority)
	s.notify()
	return nil
}

// Get returns the current record of a job.
func (s *Server) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// Cancel stops a job. Pending, queued and retrying jobs are cancelled
// immediately; a running job is flagged and stops at its next checkpoint
// with a partial result. Terminal jobs fail with ErrInvalidState.
func (s *Server) Cancel(ctx context.Context, id string) error {
	now := time.Now().UTC()
	j, err := s.update(ctx, id, func(cur *Job) error {
		switch cur.Status {
		case StatusPending, StatusQueued, StatusRetry:
			cur.Status = StatusCancelled
			cur.Timestamps.CancelledAt = timePtr(now)
			cur.NextAttemptAt = nil
			return nil
		case StatusRunning:
			if cur.CancelRequested {
				return nil
			}
			cur.CancelRequested = true
			return nil
		}
		return fmt.Errorf("%w: cannot cancel a %s job", ErrInvalidState, cur.Status)
	})
	if err != nil {
		return err
	}

	if j.Status == StatusCancelled {
		s.queue.Remove(id)
		s.cancelled.Add(1)
		s.metrics.finished.WithLabelValues(j.Type, string(j.Status)).Inc()
		s.log.Infof("cancelled: id=%s type=%s", j.ID, j.Type)
		return nil
	}
	if ex, ok := s.lookupExecution(id); ok {
		ex.cancel(ErrCancelled)
		return nil
	}
	// running in the store but not in this process: finalize directly
	_, err = s.update(ctx, id, func(cur *Job) error {
		if cur.Status != StatusRunning {
			return errStale
		}
		cur.Status = StatusCancelled
		cur.Timestamps.CancelledAt = timePtr(now)
		cur.Result = buildResult(hctx.Outcome{}, cur.Progress, true)
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	return err
}

// Retry re-runs a terminal failed or stalled job as a new job and returns
// the new id. The original record is left untouched.
func (s *Server) Retry(ctx context.Context, id string) (string, error) {
	orig, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if orig.Status != StatusFailed && orig.Status != StatusStalled {
		return "", fmt.Errorf("%w: cannot retry a %s job", ErrInvalidState, orig.Status)
	}
	if !orig.RetryAllowed() {
		return "", fmt.Errorf("%w: %d of %d attempts used", ErrRetryLimitExceeded, orig.Attempts, orig.MaxRetries)
	}
	o := &options{
		priority:      orig.Priority,
		maxRetries:    orig.MaxRetries,
		maxRetriesSet: true,
		timeout:       orig.Timeout(),
		user:          orig.User,
	}
	j, err := s.newJob(orig.Type, orig.Data, o)
	if err != nil {
		return "", err
	}
	j.RetryOf = orig.ID
	j.Lineage = orig.Lineage + 1
	if err := s.admit(ctx, j); err != nil {
		return "", err
	}
	s.log.Infof("retried: id=%s new=%s lineage=%d", orig.ID, j.ID, j.Lineage)
	return j.ID, nil
}

// Delete removes a terminal job. Active jobs fail with ErrInvalidState.
func (s *Server) Delete(ctx context.Context, id string) error {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !j.Terminal() {
		return fmt.Errorf("%w: cannot delete a %s job", ErrInvalidState, j.Status)
	}
	return s.store.Delete(ctx, id)
}

// List returns one page of jobs matching q.
func (s *Server) List(ctx context.Context, q Query) (ListResult, error) {
	q, err := q.Normalize()
	if err != nil {
		return ListResult{}, err
	}
	return s.store.List(ctx, q)
}

// Health returns a point-in-time health snapshot.
func (s *Server) Health(_ context.Context) SystemHealth {
	return s.monitor.evaluate(time.Now())
}

// Pause stops the dispatcher from claiming jobs. Submissions are still
// accepted and running jobs finish.
func (s *Server) Pause() {
	if s.paused.Swap(true) {
		return
	}
	s.alerts.record(AlertSystemPaused, "System paused", "job dispatch paused by an operator", time.Now().UTC())
	s.log.Infof("dispatch paused")
}

// Resume restarts dispatching after Pause.
func (s *Server) Resume() {
	if !s.paused.Swap(false) {
		return
	}
	s.alerts.record(AlertSystemResumed, "System resumed", "job dispatch resumed", time.Now().UTC())
	s.log.Infof("dispatch resumed")
	s.notify()
}

// Paused reports whether dispatch is paused.
func (s *Server) Paused() bool { return s.paused.Load() }

// ScaleWorkers resizes the worker pool to n slots. Busy slots removed by a
// shrink finish their current job first.
func (s *Server) ScaleWorkers(n int) error {
	if n < 0 || n > s.cfg.MaxWorkers {
		return fmt.Errorf("%w: worker count must be between 0 and %d", ErrValidation, s.cfg.MaxWorkers)
	}
	prev := s.pool.Size()
	s.pool.Resize(n, time.Now())
	if prev != n {
		s.alerts.record(AlertWorkersScaled, "Workers scaled",
			fmt.Sprintf("worker pool resized from %d to %d", prev, n), time.Now().UTC())
		s.log.Infof("workers scaled: from=%d to=%d", prev, n)
	}
	s.notify()
	return nil
}

// RestartWorkers replaces unhealthy worker slots and returns how many were replaced.
func (s *Server) RestartWorkers() int {
	n := s.pool.Restart(time.Now())
	if n > 0 {
		s.log.Infof("workers restarted: replaced=%d", n)
	}
	s.notify()
	return n
}

// WorkerState is the state of a worker slot.
type WorkerState string

const (
	WorkerIdle     WorkerState = "idle"
	WorkerBusy     WorkerState = "busy"
	WorkerRetiring WorkerState = "retiring"
)

// WorkerInfo describes one worker slot.
type WorkerInfo struct {
	ID                  string      `json:"id"`
	State               WorkerState `json:"state"`
	CurrentJob          string      `json:"currentJob,omitempty"`
	Healthy             bool        `json:"healthy"`
	LastHeartbeat       time.Time   `json:"lastHeartbeat"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	CompletedJobs       int         `json:"completedJobs"`
	FailedJobs          int         `json:"failedJobs"`
	StartedAt           time.Time   `json:"startedAt"`
}

// Workers returns the worker slots in id order.
func (s *Server) Workers() []WorkerInfo {
	snap := s.pool.Snapshot()
	out := make([]WorkerInfo, 0, len(snap))
	for _, sl := range snap {
		out = append(out, workerInfo(sl))
	}
	return out
}

func workerInfo(sl pool.Slot) WorkerInfo {
	return WorkerInfo{
		ID:                  sl.ID,
		State:               WorkerState(sl.State),
		CurrentJob:          sl.JobID,
		Healthy:             sl.Healthy,
		LastHeartbeat:       sl.LastHeartbeat.UTC(),
		ConsecutiveFailures: sl.ConsecutiveFailures,
		CompletedJobs:       sl.Completed,
		FailedJobs:          sl.Failed,
		StartedAt:           sl.StartedAt.UTC(),
	}
}

// Alerts returns every alert, newest first.
func (s *Server) Alerts() []Alert {
	return s.alerts.list()
}

// AcknowledgeAlert marks an alert acknowledged. It is idempotent.
func (s *Server) AcknowledgeAlert(id string) (Alert, error) {
	return s.alerts.acknowledge(id, time.Now().UTC())
}
