package jobhub

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/jobhub/internal/queue"
	"github.com/UniQw/jobhub/internal/window"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alertKinds(h SystemHealth) map[AlertKind]int {
	out := map[AlertKind]int{}
	for _, a := range h.Alerts {
		out[a.Kind]++
	}
	return out
}

func TestHealth_IdleSystemIsHealthy(t *testing.T) {
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 3}, NewMux())

	h := srv.Health(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, 100.0, h.OverallScore)
	assert.Equal(t, 3, h.Workers.TotalWorkers)
	assert.Equal(t, 3, h.Workers.IdleWorkers)
	assert.Equal(t, 3, h.Workers.HealthyWorkers)
	assert.True(t, h.Workers.Healthy)
	assert.Zero(t, h.Queue.QueuedJobs)
	assert.Len(t, h.Queue.ByPriority, 4)
	assert.Empty(t, h.Alerts)
	assert.Nil(t, h.Host)
	assert.Equal(t, 100.0, testutil.ToFloat64(srv.metrics.healthScore))
}

func TestHealth_NoWorkers(t *testing.T) {
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 2}, NewMux())
	require.NoError(t, srv.ScaleWorkers(0))

	h := srv.monitor.evaluate(time.Now())
	assert.Equal(t, 65.0, h.OverallScore)
	assert.False(t, h.Healthy)
	assert.False(t, h.Workers.Healthy)
	assert.Equal(t, 1, alertKinds(h)[AlertNoWorkers])

	// deduplicated while unacknowledged
	h = srv.monitor.evaluate(time.Now())
	assert.Equal(t, 1, alertKinds(h)[AlertNoWorkers])

	var id string
	for _, a := range h.Alerts {
		if a.Kind == AlertNoWorkers {
			id = a.ID
			assert.Equal(t, SeverityCritical, a.Severity)
		}
	}
	acked, err := srv.AcknowledgeAlert(id)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.NotNil(t, acked.AcknowledgedAt)

	h = srv.monitor.evaluate(time.Now())
	assert.Equal(t, 2, alertKinds(h)[AlertNoWorkers], "a new alert is raised once the old one is acknowledged")
	assert.Equal(t, 2.0, testutil.ToFloat64(srv.metrics.alerts.WithLabelValues(string(AlertNoWorkers), string(SeverityCritical))))
}

func TestHealth_ErrorRate(t *testing.T) {
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 2}, NewMux())
	now := time.Now()
	for i := 0; i < 6; i++ {
		srv.outcome.Add(window.Outcome{At: now, Duration: 100 * time.Millisecond})
	}
	for i := 0; i < 4; i++ {
		srv.outcome.Add(window.Outcome{At: now, Duration: 100 * time.Millisecond, Failed: true})
	}

	h := srv.monitor.evaluate(now)
	assert.Equal(t, 40.0, h.Processing.ErrorRate)
	assert.False(t, h.Processing.Healthy)
	assert.Equal(t, int64(100), h.Processing.AvgProcessingMs)
	// 0.35 + 0.35 + 0.30*0.6
	assert.InDelta(t, 88.0, h.OverallScore, 0.01)
	assert.True(t, h.Healthy)

	var found bool
	for _, a := range h.Alerts {
		if a.Kind == AlertErrorRate {
			found = true
			assert.Equal(t, SeverityError, a.Severity)
		}
	}
	assert.True(t, found)
}

func TestHealth_QueueDelay(t *testing.T) {
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, NewMux())
	now := time.Now()
	old := now.Add(-90 * time.Second)
	require.NoError(t, srv.queue.Enqueue(queue.Item{ID: "a", Band: 2, Created: old, Admitted: old}))

	h := srv.monitor.evaluate(now)
	assert.Equal(t, 1, h.Queue.QueuedJobs)
	assert.Equal(t, 1, h.Queue.ByPriority[PriorityHigh])
	assert.Equal(t, int64(90000), h.Queue.AvgWaitMs)
	assert.False(t, h.Queue.Healthy)
	// 0.35 + 0.35*(30/90) + 0.30
	assert.InDelta(t, 76.67, h.OverallScore, 0.01)
	assert.Equal(t, 1, alertKinds(h)[AlertQueueDelay])
}

func TestHealth_SustainedSaturation(t *testing.T) {
	srv := newTestServer(t, NewMemoryStore(), Config{Workers: 1}, NewMux())
	now := time.Now()
	require.NoError(t, srv.queue.Enqueue(queue.Item{ID: "waiting", Band: 1, Created: now, Admitted: now}))
	_, ok := srv.pool.Acquire("busy", now)
	require.True(t, ok)

	h := srv.monitor.evaluate(now)
	assert.False(t, h.Workers.Saturated)
	assert.Equal(t, 100.0, h.Workers.Utilization)
	assert.Zero(t, alertKinds(h)[AlertWorkerSaturation])

	later := now.Add(srv.cfg.Health.SaturationWindow + time.Second)
	srv.pool.Heartbeat(srv.pool.Snapshot()[0].ID, later)
	h = srv.monitor.evaluate(later)
	assert.True(t, h.Workers.Saturated)
	assert.False(t, h.Workers.Healthy)
	assert.Equal(t, 1, alertKinds(h)[AlertWorkerSaturation])
	assert.Less(t, h.OverallScore, 100.0)
}

func TestHealth_HostMemory(t *testing.T) {
	cfg := Config{
		Workers: 1,
		Logger:  NopLogger{},
		HostSampler: HostSamplerFunc(func(context.Context) (HostStats, error) {
			return HostStats{MemoryUsedPercent: 97.5, CPUPercent: 12}, nil
		}),
	}
	srv := NewServer(NewMemoryStore(), cfg, NewMux())

	srv.monitor.sampleHost(context.Background())
	h := srv.monitor.evaluate(time.Now())
	require.NotNil(t, h.Host)
	assert.Equal(t, 97.5, h.Host.MemoryUsedPercent)
	assert.Equal(t, 1, alertKinds(h)[AlertHostMemory])
}

func TestHealth_PausedFlag(t *testing.T) {
	srv := newTestServer(t, NewMemoryStore(), Config{}, NewMux())
	srv.Pause()
	srv.Pause()
	h := srv.Health(context.Background())
	assert.True(t, h.Paused)
	assert.Equal(t, 1, alertKinds(h)[AlertSystemPaused], "pausing twice records one event")

	srv.Resume()
	h = srv.Health(context.Background())
	assert.False(t, h.Paused)
	assert.Equal(t, AlertSystemResumed, h.Alerts[0].Kind)
}
