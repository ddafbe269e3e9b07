package jobhub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/jobhub/internal/hctx"
	"github.com/UniQw/jobhub/internal/window"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// attempt is the observed end of one handler execution.
type attempt struct {
	err       error
	timedOut  bool
	abandoned bool
	state     *hctx.State
}

// execute runs one attempt of j on the worker slot of ex and finalizes it.
func (s *Server) execute(ctx context.Context, ex *execution, j *Job) {
	start := time.Now()
	ctx, span := tracer().Start(ctx, "jobhub.execute", trace.WithAttributes(jobAttributes(j, ex.slot)...))
	defer span.End()

	at := s.run(ctx, ex, j)
	if at.abandoned {
		s.pool.Unbind(ex.slot)
		s.untrack(j.ID)
		s.log.Warnf("abandoned on shutdown: id=%s type=%s worker=%s", j.ID, j.Type, ex.slot)
		return
	}
	final := s.finalize(ex, j, at, start)

	dur := time.Since(start)
	s.metrics.duration.WithLabelValues(j.Type).Observe(dur.Seconds())
	if final == nil {
		return
	}
	if final.Status == StatusCompleted {
		span.SetStatus(codes.Ok, "")
	} else if final.Error != nil {
		span.SetStatus(codes.Error, final.Error.Message)
	}
}

// run executes the handler in its own goroutine and waits for it, the
// attempt timeout, or a server shutdown. A cancel request is cooperative:
// run keeps waiting for the handler to return at its next checkpoint.
func (s *Server) run(ctx context.Context, ex *execution, j *Job) attempt {
	st := hctx.New(j.ID, j.Attempts)
	at := attempt{state: st}

	h, ok := s.mux.lookup(j.Type)
	if !ok {
		at.err = fmt.Errorf("%w: %q", ErrUnknownJobType, j.Type)
		return at
	}
	st.OnProgress = func(p hctx.Progress) {
		s.writeProgress(j.ID, ex.slot, ex.attempt, p)
	}
	hc := hctx.WithState(ctx, st)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: panic: %v", ErrExecution, r)
			}
		}()
		done <- h(hc, j.Data)
	}()

	var timeoutC <-chan time.Time
	if d := j.Timeout(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeoutC = t.C
	}
	hb := time.NewTicker(s.cfg.HeartbeatInterval)
	defer hb.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case err := <-done:
			// a handler bailing out at a checkpoint during shutdown is abandoned, not failed
			if err != nil && errors.Is(context.Cause(ctx), ErrServerStopped) {
				at.abandoned = true
				return at
			}
			at.err = err
			return at
		case <-timeoutC:
			ex.cancel(ErrTimeout)
			at.timedOut = true
			return at
		case <-hb.C:
			s.pool.Heartbeat(ex.slot, time.Now())
		case <-ctxDone:
			if errors.Is(context.Cause(ctx), ErrServerStopped) {
				at.abandoned = true
				return at
			}
			ctxDone = nil
		}
	}
}

// finalize records the outcome of an attempt, applies the retry decision
// and frees the worker slot.
func (s *Server) finalize(ex *execution, j *Job, at attempt, start time.Time) *Job {
	defer s.untrack(j.ID)
	ctx := context.Background()
	now := time.Now().UTC()
	p, hasProgress := at.state.Progress()
	out := at.state.Outcome()

	var retryAt time.Time
	final, err := s.update(ctx, j.ID, func(cur *Job) error {
		if cur.Status != StatusRunning || cur.WorkerID != ex.slot || cur.Attempts != ex.attempt {
			return errStale
		}
		if hasProgress {
			pp := Progress(p)
			cur.Progress = &pp
		}
		switch {
		case cur.CancelRequested:
			cur.Status = StatusCancelled
			cur.Timestamps.CancelledAt = timePtr(now)
			cur.Result = buildResult(out, cur.Progress, true)
		case at.timedOut:
			cur.Status = StatusStalled
			cur.Timestamps.FailedAt = timePtr(now)
			cur.Error = &JobError{
				Kind:      ErrorKindTimeout,
				Message:   fmt.Sprintf("attempt exceeded timeout of %s", cur.Timeout()),
				Retryable: true,
			}
			retryAt, _ = s.scheduleRetry(cur, true, now)
		case at.err == nil:
			cur.Status = StatusCompleted
			cur.Timestamps.Completed = timePtr(now)
			cur.Result = buildResult(out, cur.Progress, false)
			if cur.Progress != nil {
				cur.Progress.Percentage = 100
			}
		case errors.Is(at.err, ErrUnknownJobType):
			cur.Status = StatusFailed
			cur.Timestamps.FailedAt = timePtr(now)
			cur.Error = &JobError{Kind: ErrorKindUnknownType, Message: at.err.Error()}
		default:
			retryable := !IsPermanent(at.err)
			cur.Status = StatusFailed
			cur.Timestamps.FailedAt = timePtr(now)
			cur.Error = &JobError{
				Kind:      ErrorKindExecution,
				Message:   at.err.Error(),
				Retryable: retryable,
			}
			retryAt, _ = s.scheduleRetry(cur, retryable, now)
		}
		return nil
	})
	if err != nil {
		s.pool.Release(ex.slot, false, time.Now())
		s.notify()
		if !errors.Is(err, errStale) {
			s.log.Errorf("finalize failed: id=%s type=%s worker=%s err=%v", j.ID, j.Type, ex.slot, err)
		}
		return nil
	}

	ok := final.Status == StatusCompleted || final.Status == StatusCancelled
	// a missing handler is a configuration error, not a worker fault
	cycleOK := ok || (final.Error != nil && final.Error.Kind == ErrorKindUnknownType)
	s.pool.Release(ex.slot, cycleOK, time.Now())
	s.outcome.Add(window.Outcome{At: time.Now(), Duration: time.Since(start), Failed: !ok})
	s.metrics.finished.WithLabelValues(final.Type, string(final.Status)).Inc()

	switch final.Status {
	case StatusCompleted:
		s.completed.Add(1)
		s.log.Debugf("processed: id=%s type=%s worker=%s", final.ID, final.Type, ex.slot)
	case StatusCancelled:
		s.cancelled.Add(1)
		s.log.Infof("cancelled: id=%s type=%s worker=%s processed=%d", final.ID, final.Type, ex.slot, final.Result.Processed)
	case StatusRetry:
		s.failed.Add(1)
		s.metrics.retries.WithLabelValues(final.Type).Inc()
		_ = s.queue.Requeue(queueItem(final), retryAt)
		s.log.Warnf("retry scheduled: id=%s type=%s attempt=%d at=%s err=%s", final.ID, final.Type, final.Attempts, retryAt.Format(time.RFC3339), final.Error.Message)
	default:
		s.failed.Add(1)
		s.log.Warnf("handler error: id=%s type=%s worker=%s status=%s err=%s", final.ID, final.Type, ex.slot, final.Status, final.Error.Message)
	}
	s.notify()
	return final
}

// writeProgress persists a progress update if the attempt still owns the job.
func (s *Server) writeProgress(id, slot string, attemptNo int, p hctx.Progress) {
	_, err := s.update(context.Background(), id, func(cur *Job) error {
		if cur.Status != StatusRunning || cur.WorkerID != slot || cur.Attempts != attemptNo {
			return errStale
		}
		pp := Progress(p)
		cur.Progress = &pp
		return nil
	})
	if err != nil && !errors.Is(err, errStale) && !errors.Is(err, ErrNotFound) {
		s.log.Warnf("progress write failed: id=%s worker=%s err=%v", id, slot, err)
	}
}

// buildResult turns the handler outcome into a job result. A cancelled
// job reports the items processed before it stopped.
func buildResult(o hctx.Outcome, p *Progress, cancelled bool) *Result {
	r := &Result{
		Summary:   o.Summary,
		Succeeded: o.Succeeded,
		Output:    o.Output,
	}
	for _, f := range o.Failed {
		r.Failed = append(r.Failed, ItemFailure{ID: f.ID, Error: f.Error})
	}
	r.Processed = len(o.Succeeded) + len(o.Failed)
	if p != nil && p.ProcessedItems > r.Processed {
		r.Processed = p.ProcessedItems
	}
	if cancelled {
		switch {
		case p != nil && p.TotalItems > 0:
			r.Summary = fmt.Sprintf("%d of %d items processed before cancellation", r.Processed, p.TotalItems)
		default:
			r.Summary = fmt.Sprintf("%d items processed before cancellation", r.Processed)
		}
	}
	return r
}
