package jobhub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics groups the Prometheus collectors of a Server.
type metrics struct {
	submitted   *prometheus.CounterVec
	finished    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
	workers     *prometheus.GaugeVec
	healthScore prometheus.Gauge
	alerts      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobhub_jobs_submitted_total",
				Help: "Jobs accepted by Submit",
			},
			[]string{"type", "priority"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobhub_jobs_finished_total",
				Help: "Finished attempts by resulting status",
			},
			[]string{"type", "status"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobhub_jobs_retried_total",
				Help: "Automatic retries scheduled",
			},
			[]string{"type"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobhub_job_duration_seconds",
				Help:    "Wall-clock duration of job attempts",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"type"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobhub_queue_depth",
				Help: "Queued jobs per priority band",
			},
			[]string{"priority"},
		),
		workers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobhub_workers",
				Help: "Worker slots by state",
			},
			[]string{"state"}, // "busy", "idle", "unhealthy"
		),
		healthScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobhub_health_score",
				Help: "Overall health score (0-100)",
			},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobhub_alerts_raised_total",
				Help: "Alerts raised by the health monitor",
			},
			[]string{"kind", "severity"},
		),
	}

	reg.MustRegister(m.submitted)
	reg.MustRegister(m.finished)
	reg.MustRegister(m.retries)
	reg.MustRegister(m.duration)
	reg.MustRegister(m.queueDepth)
	reg.MustRegister(m.workers)
	reg.MustRegister(m.healthScore)
	reg.MustRegister(m.alerts)

	return m
}

func (m *metrics) observeHealth(h SystemHealth) {
	m.healthScore.Set(h.OverallScore)
	for _, p := range AllPriorities {
		m.queueDepth.WithLabelValues(string(p)).Set(float64(h.Queue.ByPriority[p]))
	}
	m.workers.WithLabelValues("busy").Set(float64(h.Workers.ActiveWorkers))
	m.workers.WithLabelValues("idle").Set(float64(h.Workers.IdleWorkers))
	m.workers.WithLabelValues("unhealthy").Set(float64(h.Workers.TotalWorkers - h.Workers.HealthyWorkers))
}
