// Package window keeps recent job outcomes for rate computations.
package window

import (
	"sync"
	"time"
)

// Outcome is one finished attempt.
type Outcome struct {
	At       time.Time
	Duration time.Duration
	Failed   bool
}

// Summary aggregates the outcomes inside the window.
type Summary struct {
	Completed   int
	Failed      int
	AvgDuration time.Duration
	// PerMinute is the number of finished attempts per minute over the window.
	PerMinute float64
	// ErrorRate is the failed share of finished attempts, in percent.
	ErrorRate float64
}

// Window is safe for concurrent use.
type Window struct {
	mu     sync.Mutex
	span   time.Duration
	events []Outcome
}

// New returns a window covering span.
func New(span time.Duration) *Window {
	if span <= 0 {
		span = 5 * time.Minute
	}
	return &Window{span: span}
}

// Add records an outcome. Outcomes are expected in roughly increasing time.
func (w *Window) Add(o Outcome) {
	w.mu.Lock()
	w.events = append(w.events, o)
	w.mu.Unlock()
}

// Summary drops outcomes older than the span and aggregates the rest.
func (w *Window) Summary(now time.Time) Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	cut := now.Add(-w.span)
	i := 0
	for i < len(w.events) && w.events[i].At.Before(cut) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}

	var s Summary
	var total time.Duration
	for _, e := range w.events {
		if e.Failed {
			s.Failed++
		} else {
			s.Completed++
		}
		total += e.Duration
	}
	n := len(w.events)
	if n == 0 {
		return s
	}
	s.AvgDuration = total / time.Duration(n)
	s.PerMinute = float64(n) / w.span.Minutes()
	s.ErrorRate = float64(s.Failed) * 100 / float64(n)
	return s
}
