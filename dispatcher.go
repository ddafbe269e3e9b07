package jobhub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/jobhub/internal/queue"
)

// dispatchLoop binds idle workers to queued jobs. It sleeps until woken by
// a submission, a finished attempt, a resume or resize, or the next delayed
// retry becoming eligible.
func (s *Server) dispatchLoop(ctx context.Context) {
	for {
		s.dispatchReady(ctx)

		var timerC <-chan time.Time
		var timer *time.Timer
		if at, ok := s.queue.NextEligible(); ok {
			timer = time.NewTimer(max(time.Until(at), 0))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatchReady claims jobs while there is an idle healthy worker and an eligible job.
func (s *Server) dispatchReady(ctx context.Context) {
	for ctx.Err() == nil && !s.paused.Load() {
		if !s.pool.HasIdle() {
			return
		}
		now := time.Now()
		it, ok := s.queue.Dequeue(now)
		if !ok {
			return
		}
		slot, ok := s.pool.Acquire(it.ID, now)
		if !ok {
			_ = s.queue.Requeue(it, now)
			return
		}
		s.claim(ctx, it, slot)
	}
}

// claim moves the job to running on slot and starts its attempt. A job
// that is no longer queued (cancelled in between) is dropped.
func (s *Server) claim(ctx context.Context, it queue.Item, slot string) {
	attemptCtx, cancel := context.WithCancelCause(s.execCtx)
	ex := &execution{jobID: it.ID, slot: slot, cancel: cancel}
	s.track(ex)

	now := time.Now().UTC()
	j, err := s.update(ctx, it.ID, func(j *Job) error {
		if j.Status == StatusRetry {
			j.Status = StatusQueued
			j.Timestamps.Queued = timePtr(now)
			j.NextAttemptAt = nil
		}
		if err := setStatus(j, StatusRunning); err != nil {
			return errStale
		}
		j.Attempts++
		j.WorkerID = slot
		j.Timestamps.Started = timePtr(now)
		j.Progress = nil
		j.Result = nil
		j.Error = nil
		j.CancelRequested = false
		return nil
	})
	if err != nil {
		s.untrack(it.ID)
		s.pool.Unbind(slot)
		cancel(nil)
		if !errors.Is(err, errStale) && !errors.Is(err, ErrNotFound) {
			s.log.Errorf("claim failed: id=%s worker=%s err=%v", it.ID, slot, err)
			// keep the job dispatchable
			_ = s.queue.Requeue(it, time.Now().Add(s.cfg.RetryBackoffBase))
		}
		return
	}
	ex.attempt = j.Attempts
	s.log.Debugf("claimed: id=%s type=%s worker=%s attempt=%d", j.ID, j.Type, slot, j.Attempts)

	s.execWG.Add(1)
	go func() {
		defer s.execWG.Done()
		s.execute(attemptCtx, ex, j)
	}()
}

// scheduleRetry decides whether a job that just failed or stalled goes
// back to the queue. It moves j to retry and returns the eligibility time.
func (s *Server) scheduleRetry(j *Job, retryable bool, now time.Time) (time.Time, bool) {
	if !retryable || s.cfg.DisableAutoRetry || !j.RetryAllowed() {
		return time.Time{}, false
	}
	if err := setStatus(j, StatusRetry); err != nil {
		return time.Time{}, false
	}
	at := now.Add(retryDelay(j.Attempts, s.cfg.RetryBackoffBase, s.cfg.RetryBackoffMax))
	j.NextAttemptAt = timePtr(at)
	return at, true
}

func queueItem(j *Job) queue.Item {
	admitted := j.Timestamps.Created
	if j.Timestamps.Queued != nil {
		admitted = *j.Timestamps.Queued
	}
	return queue.Item{
		ID:       j.ID,
		Band:     max(j.Priority.Rank(), 0),
		Created:  j.Timestamps.Created,
		Admitted: admitted,
	}
}

// recoverStatuses are the statuses Start re-admits from the store.
var recoverStatuses = []Status{StatusPending, StatusQueued, StatusRetry, StatusRunning}

// recover re-admits jobs persisted by a previous process. Jobs left running
// become stalled with an interrupted error and go through the retry decision.
func (s *Server) recover(ctx context.Context) error {
	var jobs []*Job
	for page := 1; ; page++ {
		res, err := s.store.List(ctx, Query{
			Statuses: recoverStatuses,
			Page:     page,
			Limit:    MaxPageLimit,
			Sort:     SortCreated,
		})
		if err != nil {
			return fmt.Errorf("recover: list jobs: %w", err)
		}
		jobs = append(jobs, res.Jobs...)
		if !res.HasMore {
			break
		}
	}

	requeued, interrupted := 0, 0
	for _, j := range jobs {
		now := time.Now().UTC()
		switch j.Status {
		case StatusPending:
			nj, err := s.update(ctx, j.ID, func(cur *Job) error {
				if err := setStatus(cur, StatusQueued); err != nil {
					return errStale
				}
				cur.Timestamps.Queued = timePtr(now)
				return nil
			})
			if err != nil {
				s.log.Warnf("recover: admit failed: id=%s err=%v", j.ID, err)
				continue
			}
			_ = s.queue.Requeue(queueItem(nj), now)
			requeued++
		case StatusQueued:
			_ = s.queue.Requeue(queueItem(j), now)
			requeued++
		case StatusRetry:
			at := now
			if j.NextAttemptAt != nil {
				at = *j.NextAttemptAt
			}
			_ = s.queue.Requeue(queueItem(j), at)
			requeued++
		case StatusRunning:
			var retryAt time.Time
			var retry bool
			nj, err := s.update(ctx, j.ID, func(cur *Job) error {
				if cur.Status != StatusRunning {
					return errStale
				}
				cur.Status = StatusStalled
				cur.Timestamps.FailedAt = timePtr(now)
				cur.Error = &JobError{
					Kind:      ErrorKindInterrupted,
					Message:   "attempt interrupted by a server restart",
					Retryable: true,
				}
				retryAt, retry = s.scheduleRetry(cur, true, now)
				return nil
			})
			if err != nil {
				s.log.Warnf("recover: interrupt failed: id=%s err=%v", j.ID, err)
				continue
			}
			interrupted++
			if retry {
				_ = s.queue.Requeue(queueItem(nj), retryAt)
			}
		}
	}
	if len(jobs) > 0 {
		s.log.Infof("recovered jobs: requeued=%d interrupted=%d", requeued, interrupted)
	}
	return nil
}
