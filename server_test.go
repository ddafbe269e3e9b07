package jobhub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type namePayload struct {
	Name string `json:"name"`
}

func newTestServer(t *testing.T, store Store, cfg Config, mux *Mux) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}
	cfg.Health.DisableHost = true
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	}
	if cfg.Health.SampleInterval == 0 {
		cfg.Health.SampleInterval = 20 * time.Millisecond
	}
	srv := NewServer(store, cfg, mux)
	return srv
}

func startServer(t *testing.T, srv *Server) {
	t.Helper()
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
}

func waitStatus(t *testing.T, srv *Server, id string, want Status) *Job {
	t.Helper()
	var j *Job
	require.Eventually(t, func() bool {
		var err error
		j, err = srv.Get(context.Background(), id)
		return err == nil && j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return j
}

func TestServer_StartStop_Idempotent(t *testing.T) {
	mux := NewMux()
	mux.Handle("t", func(ctx context.Context, b []byte) error { return nil })
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, mux)

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))
	require.NoError(t, srv.Start(ctx))
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
}

func TestSubmit_UnknownTypeRejected(t *testing.T) {
	store := NewMemoryStore()
	srv := newTestServer(t, store, Config{}, NewMux())

	_, err := srv.Submit(context.Background(), "nope", map[string]int{"a": 1})
	require.ErrorIs(t, err, ErrUnknownJobType)
	require.ErrorIs(t, err, ErrValidation)

	res, err := store.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Zero(t, res.Total, "rejected submission must not be stored")
	require.Zero(t, srv.queue.Len())
}

func TestSubmit_ValidationErrors(t *testing.T) {
	mux := NewMux()
	mux.Handle("t", func(context.Context, []byte) error { return nil })
	srv := newTestServer(t, NewMemoryStore(), Config{}, mux)
	ctx := context.Background()

	_, err := srv.Submit(ctx, "", nil)
	require.ErrorIs(t, err, ErrValidation)
	_, err = srv.Submit(ctx, "t", []byte("{"))
	require.ErrorIs(t, err, ErrValidation)
	_, err = srv.Submit(ctx, "t", nil, WithPriority("asap"))
	require.ErrorIs(t, err, ErrValidation)
	_, err = srv.Submit(ctx, "t", nil, WithMaxRetries(-1))
	require.ErrorIs(t, err, ErrValidation)

	id, err := srv.Submit(ctx, "t", nil, WithJobID("fixed"))
	require.NoError(t, err)
	require.Equal(t, "fixed", id)
	_, err = srv.Submit(ctx, "t", nil, WithJobID("fixed"))
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestSubmit_QueueFull(t *testing.T) {
	mux := NewMux()
	mux.Handle("t", func(context.Context, []byte) error { return nil })
	store := NewMemoryStore()
	srv := newTestServer(t, store, Config{QueueCapacity: 2}, mux)
	ctx := context.Background()

	_, err := srv.Submit(ctx, "t", nil)
	require.NoError(t, err)
	_, err = srv.Submit(ctx, "t", nil)
	require.NoError(t, err)
	_, err = srv.Submit(ctx, "t", nil)
	require.ErrorIs(t, err, ErrQueueFull)

	res, err := store.List(ctx, Query{})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
}

func TestDispatch_PriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	mux := NewMux()
	HandleTyped(mux, "t", func(ctx context.Context, p namePayload) error {
		mu.Lock()
		order = append(order, p.Name)
		mu.Unlock()
		return nil
	})
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, mux)
	srv.Pause()
	startServer(t, srv)

	ctx := context.Background()
	var ids []string
	for _, p := range []Priority{PriorityLow, PriorityHigh, PriorityNormal, PriorityUrgent} {
		id, err := srv.Submit(ctx, "t", namePayload{Name: string(p)}, WithPriority(p))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	srv.Resume()
	for _, id := range ids {
		waitStatus(t, srv, id, StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"urgent", "high", "normal", "low"}, order)
}

func TestDispatch_PoolOfOneRunsSequentially(t *testing.T) {
	mux := NewMux()
	mux.Handle("bulk_assignment", func(ctx context.Context, b []byte) error {
		time.Sleep(15 * time.Millisecond)
		return nil
	})
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 4}, mux)
	require.NoError(t, srv.ScaleWorkers(1))
	srv.Pause()
	startServer(t, srv)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := srv.Submit(ctx, "bulk_assignment", map[string]any{"caseId": "c1", "emailIds": []string{"e"}})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, 5, srv.Health(ctx).Queue.QueuedJobs)
	srv.Resume()

	last, grew := 5, false
	require.Eventually(t, func() bool {
		h := srv.Health(ctx)
		if h.Queue.QueuedJobs > last {
			grew = true
		}
		last = h.Queue.QueuedJobs
		return h.Queue.QueuedJobs == 0 && h.Processing.CompletedJobs == 5
	}, 5*time.Second, 2*time.Millisecond)
	require.False(t, grew, "queued jobs must not grow while draining")

	var jobs []*Job
	for _, id := range ids {
		jobs = append(jobs, waitStatus(t, srv, id, StatusCompleted))
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Timestamps.Started.Before(*jobs[b].Timestamps.Started) })
	for i := 1; i < len(jobs); i++ {
		prev, cur := jobs[i-1], jobs[i]
		require.False(t, cur.Timestamps.Started.Before(*prev.Timestamps.Completed),
			"job %s started before %s completed", cur.ID, prev.ID)
	}
}

func TestAutoRetry_ReusesRecord(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	mux := NewMux()
	mux.Handle("flaky", func(ctx context.Context, b []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	store := NewMemoryStore()
	srv := newTestServer(t, store, Config{Workers: 1, RetryBackoffBase: 10 * time.Millisecond}, mux)
	startServer(t, srv)

	id, err := srv.Submit(context.Background(), "flaky", nil, WithMaxRetries(3))
	require.NoError(t, err)

	j := waitStatus(t, srv, id, StatusCompleted)
	require.Equal(t, 2, j.Attempts)
	require.Nil(t, j.Error)
	require.NotNil(t, j.Result)

	res, err := store.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total, "automatic retry must not create a new job")
}

func TestAutoRetry_StopsAtMaxRetries(t *testing.T) {
	mux := NewMux()
	mux.Handle("bad", func(ctx context.Context, b []byte) error { return errors.New("boom") })
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 2, RetryBackoffBase: time.Millisecond}, mux)
	startServer(t, srv)

	ctx := context.Background()
	id, err := srv.Submit(ctx, "bad", nil, WithMaxRetries(2))
	require.NoError(t, err)

	j := waitStatus(t, srv, id, StatusFailed)
	require.Equal(t, 2, j.Attempts)
	require.LessOrEqual(t, j.Attempts, j.MaxRetries+1)
	require.False(t, j.CanRetry)
	require.Equal(t, ErrorKindExecution, j.Error.Kind)
	require.NotNil(t, j.Timestamps.FailedAt)

	// terminal: no further transition happens
	time.Sleep(30 * time.Millisecond)
	again, err := srv.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, again.Status)
	require.Equal(t, j.Timestamps.Updated, again.Timestamps.Updated)

	_, err = srv.Retry(ctx, id)
	require.ErrorIs(t, err, ErrRetryLimitExceeded)
}

func TestPermanentError_NotRetried(t *testing.T) {
	mux := NewMux()
	mux.Handle("bad", func(ctx context.Context, b []byte) error { return Permanent(errors.New("invalid case")) })
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, mux)
	startServer(t, srv)

	id, err := srv.Submit(context.Background(), "bad", nil, WithMaxRetries(5))
	require.NoError(t, err)
	j := waitStatus(t, srv, id, StatusFailed)
	require.Equal(t, 1, j.Attempts)
	require.False(t, j.Error.Retryable)
}

func TestUserRetry_CreatesNewJob(t *testing.T) {
	fail := true
	var mu sync.Mutex
	mux := NewMux()
	mux.Handle("export", func(ctx context.Context, b []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("storage unavailable")
		}
		return nil
	})
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1, DisableAutoRetry: true}, mux)
	startServer(t, srv)
	ctx := context.Background()

	id, err := srv.Submit(ctx, "export", map[string]string{"format": "csv"}, WithMaxRetries(3), WithUser("u1"), WithPriority(PriorityHigh))
	require.NoError(t, err)
	orig := waitStatus(t, srv, id, StatusFailed)
	require.True(t, orig.CanRetry)

	mu.Lock()
	fail = false
	mu.Unlock()

	newID, err := srv.Retry(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, id, newID)

	nj := waitStatus(t, srv, newID, StatusCompleted)
	require.Equal(t, id, nj.RetryOf)
	require.Equal(t, 1, nj.Lineage)
	require.Equal(t, "u1", nj.User)
	require.Equal(t, PriorityHigh, nj.Priority)
	require.JSONEq(t, string(orig.Data), string(nj.Data))

	after, err := srv.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, orig, after, "original record must stay unmutated")
}

func TestRetry_InvalidState(t *testing.T) {
	mux := NewMux()
	mux.Handle("t", func(context.Context, []byte) error { return nil })
	srv := newTestServer(t, NewMemoryStore(), Config{}, mux)
	ctx := context.Background()

	id, err := srv.Submit(ctx, "t", nil)
	require.NoError(t, err)
	_, err = srv.Retry(ctx, id)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = srv.Retry(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_RunningKeepsPartialResult(t *testing.T) {
	started := make(chan struct{})
	mux := NewMux()
	mux.Handle("bulk_assignment", func(ctx context.Context, b []byte) error {
		SetTotal(ctx, 20)
		for i := 0; i < 6; i++ {
			RecordSuccess(ctx, "e")
		}
		close(started)
		for {
			if err := Checkpoint(ctx); err != nil {
				return err
			}
			time.Sleep(2 * time.Millisecond)
		}
	})
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, mux)
	startServer(t, srv)
	ctx := context.Background()

	id, err := srv.Submit(ctx, "bulk_assignment", nil, WithTimeout(10*time.Second))
	require.NoError(t, err)
	<-started

	running, err := srv.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, running.Status)
	require.Equal(t, 6, running.Progress.ProcessedItems)
	require.Equal(t, 20, running.Progress.TotalItems)
	require.NotEmpty(t, running.WorkerID)

	require.NoError(t, srv.Cancel(ctx, id))
	j := waitStatus(t, srv, id, StatusCancelled)
	require.NotNil(t, j.Result)
	require.Equal(t, 6, j.Result.Processed)
	require.Equal(t, "6 of 20 items processed before cancellation", j.Result.Summary)
	require.Nil(t, j.Error)
	require.NotNil(t, j.Timestamps.CancelledAt)

	require.ErrorIs(t, srv.Cancel(ctx, id), ErrInvalidState)
}

func TestCancel_QueuedRemovesFromQueue(t *testing.T) {
	mux := NewMux()
	mux.Handle("t", func(context.Context, []byte) error { return nil })
	srv := newTestServer(t, NewMemoryStore(), Config{}, mux)
	ctx := context.Background()

	id, err := srv.Submit(ctx, "t", nil)
	require.NoError(t, err)
	require.Equal(t, 1, srv.queue.Len())

	require.NoError(t, srv.Cancel(ctx, id))
	j, err := srv.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, j.Status)
	require.Zero(t, srv.queue.Len())
	require.ErrorIs(t, srv.Cancel(ctx, id), ErrInvalidState)
	require.ErrorIs(t, srv.Cancel(ctx, "missing"), ErrNotFound)
}

func TestTimeout_MarksStalled(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	mux := NewMux()
	mux.Handle("hang", func(ctx context.Context, b []byte) error {
		SetProgress(ctx, Progress{ProcessedItems: 2, TotalItems: 10})
		<-block
		return nil
	})
	mux.Handle("ok", func(context.Context, []byte) error { return nil })
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, mux)
	startServer(t, srv)
	ctx := context.Background()

	id, err := srv.Submit(ctx, "hang", nil, WithTimeout(40*time.Millisecond), WithMaxRetries(0))
	require.NoError(t, err)
	j := waitStatus(t, srv, id, StatusStalled)
	require.Equal(t, ErrorKindTimeout, j.Error.Kind)
	require.Equal(t, 2, j.Progress.ProcessedItems, "partial progress is preserved")

	// the worker was freed without waiting for the handler
	next, err := srv.Submit(ctx, "ok", nil)
	require.NoError(t, err)
	waitStatus(t, srv, next, StatusCompleted)
}

func TestUnknownTypeAtExecution_NotRetried(t *testing.T) {
	mux := NewMux()
	mux.Handle("gone", func(context.Context, []byte) error { return nil })
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, mux)
	srv.Pause()
	startServer(t, srv)

	id, err := srv.Submit(context.Background(), "gone", nil, WithMaxRetries(3))
	require.NoError(t, err)
	mux.Remove("gone")
	srv.Resume()

	j := waitStatus(t, srv, id, StatusFailed)
	require.Equal(t, ErrorKindUnknownType, j.Error.Kind)
	require.Equal(t, 1, j.Attempts)
	require.False(t, j.Error.Retryable)
}

func TestPause_AcceptsButDoesNotDispatch(t *testing.T) {
	var mu sync.Mutex
	ran := 0
	mux := NewMux()
	mux.Handle("t", func(context.Context, []byte) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 2}, mux)
	startServer(t, srv)
	srv.Pause()
	require.True(t, srv.Paused())
	ctx := context.Background()

	id, err := srv.Submit(ctx, "t", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	j, err := srv.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, j.Status)
	mu.Lock()
	require.Zero(t, ran)
	mu.Unlock()

	srv.Resume()
	waitStatus(t, srv, id, StatusCompleted)

	kinds := map[AlertKind]bool{}
	for _, a := range srv.Alerts() {
		kinds[a.Kind] = true
	}
	require.True(t, kinds[AlertSystemPaused])
	require.True(t, kinds[AlertSystemResumed])
}

func TestDelete_OnlyTerminal(t *testing.T) {
	mux := NewMux()
	mux.Handle("t", func(context.Context, []byte) error { return nil })
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, mux)
	srv.Pause()
	startServer(t, srv)
	ctx := context.Background()

	id, err := srv.Submit(ctx, "t", nil)
	require.NoError(t, err)
	require.ErrorIs(t, srv.Delete(ctx, id), ErrInvalidState)

	srv.Resume()
	waitStatus(t, srv, id, StatusCompleted)
	require.NoError(t, srv.Delete(ctx, id))
	_, err = srv.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, srv.Delete(ctx, id), ErrNotFound)
}

func TestRecover_ReadmitsAndInterrupts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Minute)
	seed := func(id string, st Status, attempts int, worker string) {
		require.NoError(t, store.Create(ctx, &Job{
			ID: id, Type: "t", Status: st, Priority: PriorityNormal,
			Attempts: attempts, MaxRetries: 3, TimeoutMs: 1000,
			WorkerID:   worker,
			Timestamps: Timestamps{Created: now, Updated: now, Queued: &now},
		}))
	}
	seed("pending", StatusPending, 0, "")
	seed("queued", StatusQueued, 0, "")
	seed("running", StatusRunning, 1, "w-9")
	seed("done", StatusCompleted, 1, "w-9")

	mux := NewMux()
	mux.Handle("t", func(context.Context, []byte) error { return nil })
	srv := newTestServer(t, store, Config{Workers: 2, RetryBackoffBase: time.Millisecond}, mux)
	startServer(t, srv)

	waitStatus(t, srv, "pending", StatusCompleted)
	waitStatus(t, srv, "queued", StatusCompleted)
	j := waitStatus(t, srv, "running", StatusCompleted)
	require.Equal(t, 2, j.Attempts, "interrupted attempt counts")

	done, err := srv.Get(ctx, "done")
	require.NoError(t, err)
	require.Equal(t, 1, done.Attempts)
}

func TestScaleWorkers(t *testing.T) {
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 2, MaxWorkers: 8}, NewMux())

	require.Len(t, srv.Workers(), 2)
	require.NoError(t, srv.ScaleWorkers(5))
	require.Len(t, srv.Workers(), 5)
	require.ErrorIs(t, srv.ScaleWorkers(9), ErrValidation)
	require.ErrorIs(t, srv.ScaleWorkers(-1), ErrValidation)

	require.NoError(t, srv.ScaleWorkers(1))
	ws := srv.Workers()
	require.Len(t, ws, 1)
	require.Equal(t, WorkerIdle, ws[0].State)
	require.True(t, ws[0].Healthy)

	require.Zero(t, srv.RestartWorkers())
	require.Equal(t, AlertWorkersScaled, srv.Alerts()[0].Kind)
}

func TestList_FiltersAndPartitions(t *testing.T) {
	mux := NewMux()
	mux.Handle("a", func(context.Context, []byte) error { return nil })
	mux.Handle("b", func(context.Context, []byte) error { return nil })
	srv := newTestServer(t, NewMemoryStore(), Config{}, mux)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := srv.Submit(ctx, "a", nil, WithUser("u1"))
		require.NoError(t, err)
	}
	id, err := srv.Submit(ctx, "b", nil, WithUser("u2"))
	require.NoError(t, err)
	require.NoError(t, srv.Cancel(ctx, id))

	res, err := srv.List(ctx, Query{Types: []string{"a"}})
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)

	res, err = srv.List(ctx, Query{Partition: PartitionQueued})
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)

	res, err = srv.List(ctx, Query{Partition: PartitionFailed, User: "u2"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, id, res.Jobs[0].ID)

	res, err = srv.List(ctx, Query{Limit: 2, Page: 2})
	require.NoError(t, err)
	require.Equal(t, 4, res.Total)
	require.Len(t, res.Jobs, 2)
	require.False(t, res.HasMore)

	_, err = srv.List(ctx, Query{Sort: "weird"})
	require.ErrorIs(t, err, ErrValidation)
}

type warnRecorder struct {
	NopLogger
	mu    sync.Mutex
	warns []string
}

func (r *warnRecorder) Warnf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warns = append(r.warns, fmt.Sprintf(format, args...))
}

func (r *warnRecorder) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.warns {
		if strings.HasPrefix(w, prefix) {
			n++
		}
	}
	return n
}

func forceStop(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, srv.Stop(ctx), context.DeadlineExceeded)
}

func TestRestart_AfterForcedStopFreesWorker(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	mux := NewMux()
	mux.Handle("hang", func(context.Context, []byte) error {
		<-block
		return nil
	})
	mux.Handle("ok", func(context.Context, []byte) error { return nil })
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, mux)
	startServer(t, srv)
	ctx := context.Background()

	id, err := srv.Submit(ctx, "hang", nil, WithMaxRetries(0))
	require.NoError(t, err)
	waitStatus(t, srv, id, StatusRunning)

	forceStop(t, srv)
	require.NoError(t, srv.Start(ctx))
	waitStatus(t, srv, id, StatusStalled)

	ws := srv.Workers()
	require.Len(t, ws, 1)
	require.Equal(t, WorkerIdle, ws[0].State)
	require.Empty(t, ws[0].CurrentJob)
	require.Zero(t, ws[0].FailedJobs, "an abandoned attempt is not a worker failure")

	next, err := srv.Submit(ctx, "ok", nil)
	require.NoError(t, err)
	waitStatus(t, srv, next, StatusCompleted)
}

func TestForcedStop_CheckpointReturnIsAbandoned(t *testing.T) {
	for i := 0; i < 5; i++ {
		mux := NewMux()
		mux.Handle("cooperative", func(ctx context.Context, _ []byte) error {
			<-ctx.Done()
			return Checkpoint(ctx)
		})
		srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, mux)
		startServer(t, srv)
		ctx := context.Background()

		id, err := srv.Submit(ctx, "cooperative", nil, WithMaxRetries(0))
		require.NoError(t, err)
		waitStatus(t, srv, id, StatusRunning)
		forceStop(t, srv)

		j, err := srv.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusRunning, j.Status, "left for recovery, not failed")
		require.Nil(t, j.Error)
		require.Zero(t, srv.Workers()[0].FailedJobs)
	}
}

func TestAbandonedProgress_DeletedJobIsQuiet(t *testing.T) {
	release := make(chan struct{})
	progressed := make(chan struct{})
	mux := NewMux()
	mux.Handle("hang", func(ctx context.Context, _ []byte) error {
		<-release
		SetProgress(ctx, Progress{ProcessedItems: 1, TotalItems: 2})
		close(progressed)
		return nil
	})
	log := &warnRecorder{}
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1, Logger: log}, mux)
	startServer(t, srv)
	ctx := context.Background()

	id, err := srv.Submit(ctx, "hang", nil, WithMaxRetries(0))
	require.NoError(t, err)
	waitStatus(t, srv, id, StatusRunning)

	forceStop(t, srv)
	require.NoError(t, srv.Start(ctx))
	waitStatus(t, srv, id, StatusStalled)
	require.NoError(t, srv.Delete(ctx, id))

	close(release)
	select {
	case <-progressed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never reported progress")
	}
	require.Zero(t, log.count("progress write failed"))
}
