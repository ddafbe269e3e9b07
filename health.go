package jobhub

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/UniQw/jobhub/internal/queue"
)

// HealthConfig defines the thresholds of the health monitor.
type HealthConfig struct {
	// SampleInterval is how often the monitor samples and raises alerts.
	SampleInterval time.Duration
	// Window is the span over which throughput and error rate are computed.
	Window time.Duration
	// MaxErrorRate is the error rate, in percent, above which processing is unhealthy.
	MaxErrorRate float64
	// MaxAvgWait is the average queue wait above which the queue is unhealthy.
	MaxAvgWait time.Duration
	// SaturationWindow is how long all workers must be busy with work waiting
	// before saturation is reported.
	SaturationWindow time.Duration
	// HostMemoryPercent raises a critical alert above this memory usage; negative disables it.
	HostMemoryPercent float64
	// HealthyScore is the overall score at or above which the system is healthy.
	HealthyScore float64
	// Weights of the worker, queue and processing fractions in the overall score.
	WorkerWeight     float64
	QueueWeight      float64
	ProcessingWeight float64
	// DisableHost skips host sampling.
	DisableHost bool
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 5 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = 10
	}
	if c.MaxAvgWait <= 0 {
		c.MaxAvgWait = 30 * time.Second
	}
	if c.SaturationWindow <= 0 {
		c.SaturationWindow = 30 * time.Second
	}
	if c.HostMemoryPercent == 0 {
		c.HostMemoryPercent = 95
	}
	if c.HealthyScore <= 0 {
		c.HealthyScore = 70
	}
	if c.WorkerWeight <= 0 && c.QueueWeight <= 0 && c.ProcessingWeight <= 0 {
		c.WorkerWeight, c.QueueWeight, c.ProcessingWeight = 0.35, 0.35, 0.30
	}
	return c
}

// SystemHealth is a point-in-time aggregate of queue, workers and recent outcomes.
type SystemHealth struct {
	Timestamp    time.Time        `json:"timestamp"`
	Healthy      bool             `json:"healthy"`
	OverallScore float64          `json:"overallScore"`
	Paused       bool             `json:"paused"`
	Workers      WorkerHealth     `json:"workers"`
	Queue        QueueHealth      `json:"queue"`
	Processing   ProcessingHealth `json:"processing"`
	Host         *HostStats       `json:"host,omitempty"`
	Alerts       []Alert          `json:"alerts"`
}

// WorkerHealth summarizes the worker pool.
type WorkerHealth struct {
	ActiveWorkers  int `json:"activeWorkers"`
	IdleWorkers    int `json:"idleWorkers"`
	TotalWorkers   int `json:"totalWorkers"`
	HealthyWorkers int `json:"healthyWorkers"`
	// Utilization is the busy share of the pool, in percent.
	Utilization float64 `json:"utilization"`
	Saturated   bool    `json:"saturated"`
	Healthy     bool    `json:"healthy"`
}

// QueueHealth summarizes the queue. Durations are in milliseconds.
type QueueHealth struct {
	QueuedJobs   int              `json:"queuedJobs"`
	RunningJobs  int              `json:"runningJobs"`
	DelayedJobs  int              `json:"delayedJobs"`
	ByPriority   map[Priority]int `json:"byPriority"`
	AvgWaitMs    int64            `json:"avgWaitTime"`
	OldestWaitMs int64            `json:"oldestWait"`
	Healthy      bool             `json:"healthy"`
}

// ProcessingHealth summarizes recent outcomes.
type ProcessingHealth struct {
	// Throughput is finished attempts per minute over the health window.
	Throughput float64 `json:"throughput"`
	// ErrorRate is the failed share of finished attempts, in percent.
	ErrorRate       float64 `json:"errorRate"`
	AvgProcessingMs int64   `json:"avgProcessingTime"`
	// CompletedJobs and FailedJobs count outcomes since the server was created.
	CompletedJobs int64 `json:"completedJobs"`
	FailedJobs    int64 `json:"failedJobs"`
	Healthy       bool  `json:"healthy"`
}

// monitor computes health snapshots and raises threshold alerts.
type monitor struct {
	s   *Server
	cfg HealthConfig

	mu             sync.Mutex
	saturatedSince time.Time
	host           *HostStats
}

func newMonitor(s *Server) *monitor {
	return &monitor{s: s, cfg: s.cfg.Health}
}

// run samples until ctx is done. It also applies worker heartbeat and
// quarantine rules and wakes the dispatcher when a worker recovers.
func (m *monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	m.sampleHost(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.s.pool.Sweep(time.Now()) {
				m.s.notify()
			}
			m.sampleHost(ctx)
			m.evaluate(time.Now())
		}
	}
}

func (m *monitor) sampleHost(ctx context.Context) {
	if m.cfg.DisableHost {
		return
	}
	hs, err := m.s.cfg.HostSampler.Sample(ctx)
	if err != nil {
		m.s.log.Debugf("host sample failed: err=%v", err)
		return
	}
	m.mu.Lock()
	m.host = &hs
	m.mu.Unlock()
}

// evaluate builds a snapshot as of now and raises alerts for breached thresholds.
func (m *monitor) evaluate(now time.Time) SystemHealth {
	s := m.s
	ps := s.pool.Stats()
	qs := s.queue.Stats(now)
	ws := s.outcome.Summary(now)

	h := SystemHealth{
		Timestamp: now.UTC(),
		Paused:    s.paused.Load(),
	}

	// workers
	h.Workers = WorkerHealth{
		ActiveWorkers:  ps.Busy,
		IdleWorkers:    ps.Idle,
		TotalWorkers:   ps.Total,
		HealthyWorkers: ps.Healthy,
	}
	if ps.Total > 0 {
		h.Workers.Utilization = round2(float64(ps.Busy) * 100 / float64(ps.Total))
	}
	saturatedNow := ps.Total > 0 && ps.Busy >= ps.Total && qs.Ready > 0
	m.mu.Lock()
	if !saturatedNow {
		m.saturatedSince = time.Time{}
	} else if m.saturatedSince.IsZero() {
		m.saturatedSince = now
	}
	sustained := saturatedNow && now.Sub(m.saturatedSince) >= m.cfg.SaturationWindow
	host := m.host
	m.mu.Unlock()
	h.Workers.Saturated = sustained
	h.Workers.Healthy = ps.Total > 0 && ps.Healthy == ps.Total && !sustained

	workerFrac := 0.0
	if ps.Total > 0 {
		workerFrac = float64(ps.Healthy) / float64(ps.Total)
	}
	if sustained {
		workerFrac /= 2
	}

	// queue
	h.Queue = QueueHealth{
		QueuedJobs:   qs.Ready,
		RunningJobs:  ps.Busy,
		DelayedJobs:  qs.Delayed,
		ByPriority:   make(map[Priority]int, len(AllPriorities)),
		AvgWaitMs:    qs.AvgWait.Milliseconds(),
		OldestWaitMs: qs.OldestWait.Milliseconds(),
		Healthy:      qs.AvgWait <= m.cfg.MaxAvgWait,
	}
	for _, p := range AllPriorities {
		h.Queue.ByPriority[p] = qs.ByBand[p.Rank()]
	}
	queueFrac := 1.0
	if qs.AvgWait > m.cfg.MaxAvgWait {
		queueFrac = float64(m.cfg.MaxAvgWait) / float64(qs.AvgWait)
	}

	// processing
	h.Processing = ProcessingHealth{
		Throughput:      round2(ws.PerMinute),
		ErrorRate:       round2(ws.ErrorRate),
		AvgProcessingMs: ws.AvgDuration.Milliseconds(),
		CompletedJobs:   s.completed.Load(),
		FailedJobs:      s.failed.Load(),
		Healthy:         ws.ErrorRate <= m.cfg.MaxErrorRate,
	}
	procFrac := 1 - ws.ErrorRate/100

	wsum := m.cfg.WorkerWeight + m.cfg.QueueWeight + m.cfg.ProcessingWeight
	score := (m.cfg.WorkerWeight*workerFrac + m.cfg.QueueWeight*queueFrac + m.cfg.ProcessingWeight*procFrac) / wsum * 100
	h.OverallScore = round2(math.Max(0, math.Min(100, score)))
	h.Healthy = h.OverallScore >= m.cfg.HealthyScore

	if host != nil {
		hs := *host
		h.Host = &hs
	}

	m.raiseAlerts(h, qs, now)
	h.Alerts = s.alerts.list()
	s.metrics.observeHealth(h)
	return h
}

func (m *monitor) raiseAlerts(h SystemHealth, qs queue.Stats, now time.Time) {
	a := m.s.alerts
	if h.Workers.TotalWorkers == 0 {
		a.raise(AlertNoWorkers, SeverityCritical, "No workers",
			"the worker pool is empty; queued jobs will not run", now)
	}
	if h.Workers.Saturated {
		a.raise(AlertWorkerSaturation, SeverityCritical, "Workers saturated",
			fmt.Sprintf("all %d workers busy for over %s with %d jobs waiting", h.Workers.TotalWorkers, m.cfg.SaturationWindow, qs.Ready), now)
	}
	if unhealthy := h.Workers.TotalWorkers - h.Workers.HealthyWorkers; unhealthy > 0 {
		a.raise(AlertWorkersUnhealthy, SeverityWarning, "Unhealthy workers",
			fmt.Sprintf("%d of %d workers are unhealthy", unhealthy, h.Workers.TotalWorkers), now)
	}
	if rate := h.Processing.ErrorRate; rate > m.cfg.MaxErrorRate {
		sev := SeverityWarning
		if rate > 2*m.cfg.MaxErrorRate {
			sev = SeverityError
		}
		a.raise(AlertErrorRate, sev, "High error rate",
			fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", rate, m.cfg.MaxErrorRate), now)
	}
	if qs.AvgWait > m.cfg.MaxAvgWait {
		sev := SeverityWarning
		if qs.AvgWait > 2*m.cfg.MaxAvgWait {
			sev = SeverityError
		}
		a.raise(AlertQueueDelay, sev, "Queue delay",
			fmt.Sprintf("average wait %s exceeds %s", qs.AvgWait.Round(time.Millisecond), m.cfg.MaxAvgWait), now)
	}
	if h.Host != nil && m.cfg.HostMemoryPercent > 0 && h.Host.MemoryUsedPercent > m.cfg.HostMemoryPercent {
		a.raise(AlertHostMemory, SeverityCritical, "Host memory exhausted",
			fmt.Sprintf("memory usage %.1f%% exceeds %.1f%%", h.Host.MemoryUsedPercent, m.cfg.HostMemoryPercent), now)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
