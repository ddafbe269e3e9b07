package jobhub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/jobhub/internal/pool"
	"github.com/UniQw/jobhub/internal/queue"
	"github.com/UniQw/jobhub/internal/window"
	"github.com/prometheus/client_golang/prometheus"
)

// Config defines the configuration for a jobhub server.
type Config struct {
	// Workers is the initial number of worker slots.
	Workers int
	// MaxWorkers bounds ScaleWorkers.
	MaxWorkers int
	// QueueCapacity bounds the number of queued jobs; 0 means unbounded.
	QueueCapacity int
	// DefaultMaxRetries applies when Submit is not given WithMaxRetries.
	DefaultMaxRetries int
	// DefaultTimeout applies when Submit is not given WithTimeout.
	DefaultTimeout time.Duration
	// DisableAutoRetry leaves failed and stalled jobs terminal; only Retry re-runs them.
	DisableAutoRetry bool
	// RetryBackoffBase is the delay before the first automatic retry; it doubles per attempt.
	RetryBackoffBase time.Duration
	// RetryBackoffMax caps the automatic retry delay.
	RetryBackoffMax time.Duration
	// HeartbeatInterval is how often a busy worker refreshes its heartbeat.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout marks a busy worker unhealthy when its heartbeat is older.
	HeartbeatTimeout time.Duration
	// WorkerFailureLimit consecutive failed cycles mark a worker unhealthy.
	WorkerFailureLimit int
	// WorkerQuarantine is how long an unhealthy worker is excluded before it recovers.
	WorkerQuarantine time.Duration
	// Health tunes the health monitor.
	Health HealthConfig
	// Logger is the logger used for server events.
	Logger Logger
	// Registry receives the server's Prometheus collectors. A private registry is used when nil.
	Registry *prometheus.Registry
	// HostSampler feeds host usage to the health monitor. Defaults to SystemSampler.
	HostSampler HostSampler
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 64
	}
	if c.MaxWorkers < c.Workers {
		c.MaxWorkers = c.Workers
	}
	if c.QueueCapacity < 0 {
		c.QueueCapacity = 0
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.RetryBackoffBase < 0 {
		c.RetryBackoffBase = 0
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 6 * c.HeartbeatInterval
	}
	if c.WorkerFailureLimit <= 0 {
		c.WorkerFailureLimit = 3
	}
	if c.WorkerQuarantine <= 0 {
		c.WorkerQuarantine = time.Minute
	}
	c.Health = c.Health.withDefaults()
	if c.Logger == nil {
		c.Logger = NewFmtLogger()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.HostSampler == nil {
		c.HostSampler = SystemSampler{}
	}
	return c
}

// DefaultConfig returns the configuration used for zero-valued fields.
func DefaultConfig() Config {
	c := Config{DefaultMaxRetries: 3, RetryBackoffBase: time.Second}
	c = c.withDefaults()
	c.Logger = nil
	c.Registry = nil
	c.HostSampler = nil
	return c
}

// execution tracks one running attempt.
type execution struct {
	jobID   string
	slot    string
	attempt int
	cancel  context.CancelCauseFunc
}

// Server owns the queue, the worker pool, the dispatcher and the health
// monitor. All job state lives in the Store; the queue only orders ids.
type Server struct {
	cfg     Config
	store   Store
	mux     *Mux
	log     Logger
	queue   *queue.Queue
	pool    *pool.Pool
	outcome *window.Window
	alerts  *alertBook
	metrics *metrics
	monitor *monitor

	wake     chan struct{}
	paused   atomic.Bool
	submitMu sync.Mutex

	runMu   sync.Mutex
	running map[string]*execution

	mu        sync.Mutex
	started   bool
	loopCtx   context.Context
	loopStop  context.CancelFunc
	execCtx   context.Context
	execStop  context.CancelCauseFunc
	loopWG    sync.WaitGroup
	execWG    sync.WaitGroup
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// NewServer creates a jobhub server over store, executing jobs with the handlers of mux.
func NewServer(store Store, cfg Config, mux *Mux) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		store:   store,
		mux:     mux,
		log:     cfg.Logger,
		queue:   queue.New(cfg.QueueCapacity),
		outcome: window.New(cfg.Health.Window),
		alerts:  &alertBook{},
		metrics: newMetrics(cfg.Registry),
		wake:    make(chan struct{}, 1),
		running: make(map[string]*execution),
	}
	s.pool = pool.New(cfg.Workers, pool.Config{
		FailureLimit:     cfg.WorkerFailureLimit,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Quarantine:       cfg.WorkerQuarantine,
	})
	s.alerts.onNew = func(a Alert) {
		s.metrics.alerts.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
		s.log.Warnf("alert: kind=%s severity=%s msg=%s", a.Kind, a.Severity, a.Message)
	}
	s.monitor = newMonitor(s)
	return s
}

// Registry returns the Prometheus registry holding the server's collectors.
func (s *Server) Registry() *prometheus.Registry { return s.cfg.Registry }

// Config returns the effective configuration, defaults applied.
func (s *Server) Config() Config { return s.cfg }

// Mux returns the handler mux of the server.
func (s *Server) Mux() *Mux { return s.mux }

// Start recovers persisted jobs and launches the dispatcher and the health
// monitor. It is idempotent and non-blocking once recovery is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.loopCtx, s.loopStop = context.WithCancel(context.Background())
	s.execCtx, s.execStop = context.WithCancelCause(context.Background())
	s.mu.Unlock()

	if err := s.recover(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}
	s.log.Infof("starting server: workers=%d capacity=%d", s.cfg.Workers, s.cfg.QueueCapacity)

	s.loopWG.Add(2)
	go func() {
		defer s.loopWG.Done()
		s.dispatchLoop(s.loopCtx)
	}()
	go func() {
		defer s.loopWG.Done()
		s.monitor.run(s.loopCtx)
	}()
	s.notify()
	return nil
}

// Stop stops dispatching and waits for running jobs until ctx is done.
// Jobs still running then are abandoned in the running status and are
// recovered as interrupted by the next Start.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()
	s.log.Infof("stopping server")

	s.loopStop()
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.execStop(ErrServerStopped)
		return nil
	case <-ctx.Done():
		s.execStop(ErrServerStopped)
		<-done
		return ctx.Err()
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// notify wakes the dispatcher without blocking.
func (s *Server) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// errStale aborts an update whose precondition no longer holds.
var errStale = errors.New("jobhub: stale update")

// update wraps Store.Update and stamps the updated time.
func (s *Server) update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	return s.store.Update(ctx, id, func(j *Job) error {
		if err := fn(j); err != nil {
			return err
		}
		j.Timestamps.Updated = time.Now().UTC()
		return nil
	})
}

// setStatus moves j to status to, enforcing the transition table.
func setStatus(j *Job, to Status) error {
	if !CanTransition(j.Status, to) {
		return ErrInvalidState
	}
	j.Status = to
	return nil
}

func (s *Server) track(ex *execution) {
	s.runMu.Lock()
	s.running[ex.jobID] = ex
	s.runMu.Unlock()
}

func (s *Server) untrack(id string) {
	s.runMu.Lock()
	delete(s.running, id)
	s.runMu.Unlock()
}

func (s *Server) lookupExecution(id string) (*execution, bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	ex, ok := s.running[id]
	return ex, ok
}
