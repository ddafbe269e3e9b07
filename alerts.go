package jobhub

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AlertKind identifies the condition an alert reports.
type AlertKind string

const (
	AlertWorkerSaturation AlertKind = "worker_saturation"
	AlertNoWorkers        AlertKind = "no_workers"
	AlertWorkersUnhealthy AlertKind = "workers_unhealthy"
	AlertErrorRate        AlertKind = "error_rate"
	AlertQueueDelay       AlertKind = "queue_delay"
	AlertHostMemory       AlertKind = "host_memory"
	AlertSystemPaused     AlertKind = "system_paused"
	AlertSystemResumed    AlertKind = "system_resumed"
	AlertWorkersScaled    AlertKind = "workers_scaled"
)

// Alert is raised by the health monitor. Only Acknowledge mutates it.
type Alert struct {
	ID             string     `json:"id"`
	Kind           AlertKind  `json:"kind"`
	Severity       Severity   `json:"severity"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}

// alertBook stores alerts for the life of the process.
type alertBook struct {
	mu     sync.Mutex
	alerts []*Alert
	onNew  func(Alert)
}

// raise adds an alert unless an unacknowledged alert of the same kind exists.
func (b *alertBook) raise(kind AlertKind, sev Severity, title, msg string, now time.Time) bool {
	b.mu.Lock()
	for _, a := range b.alerts {
		if a.Kind == kind && !a.Acknowledged {
			b.mu.Unlock()
			return false
		}
	}
	a := b.appendLocked(kind, sev, title, msg, now)
	b.mu.Unlock()
	if b.onNew != nil {
		b.onNew(a)
	}
	return true
}

// record adds an informational event alert unconditionally.
func (b *alertBook) record(kind AlertKind, title, msg string, now time.Time) {
	b.mu.Lock()
	a := b.appendLocked(kind, SeverityInfo, title, msg, now)
	b.mu.Unlock()
	if b.onNew != nil {
		b.onNew(a)
	}
}

func (b *alertBook) appendLocked(kind AlertKind, sev Severity, title, msg string, now time.Time) Alert {
	a := &Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  sev,
		Title:     title,
		Message:   msg,
		Timestamp: now,
	}
	b.alerts = append(b.alerts, a)
	return *a
}

// list returns copies of all alerts, newest first.
func (b *alertBook) list() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, 0, len(b.alerts))
	for _, a := range b.alerts {
		out = append(out, *a)
	}
	slices.Reverse(out)
	return out
}

// acknowledge marks id acknowledged. Acknowledging twice is a no-op.
func (b *alertBook) acknowledge(id string, now time.Time) (Alert, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.alerts {
		if a.ID != id {
			continue
		}
		if !a.Acknowledged {
			a.Acknowledged = true
			a.AcknowledgedAt = timePtr(now)
		}
		return *a, nil
	}
	return Alert{}, fmt.Errorf("%w: alert %s", ErrNotFound, id)
}
