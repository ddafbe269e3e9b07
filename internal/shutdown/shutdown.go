// Package shutdown runs registered cleanup steps in reverse order when the
// process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Logger is the subset of jobhub.Logger used here.
type Logger interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

type step struct {
	name string
	fn   func(context.Context) error
}

// Manager handles graceful shutdown.
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	log     Logger
	done    chan struct{}
	once    sync.Once
	err     error
}

// New creates a manager whose steps share a deadline of timeout.
func New(timeout time.Duration, log Logger) *Manager {
	return &Manager{timeout: timeout, log: log, done: make(chan struct{})}
}

// Register adds a step. Steps run in reverse registration order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Done is closed once shutdown has started.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until SIGINT or SIGTERM arrives or ctx is done, then runs Shutdown.
func (m *Manager) Wait(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case s := <-sig:
		m.log.Infof("signal received: %s", s)
	case <-ctx.Done():
	}
	return m.Shutdown()
}

// Shutdown runs every step once, newest first, and returns their joined
// errors. Later calls return the first call's result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		steps := append([]step(nil), m.steps...)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			start := time.Now()
			if err := s.fn(ctx); err != nil {
				m.log.Errorf("shutdown step failed: step=%s err=%v", s.name, err)
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				continue
			}
			m.log.Infof("shutdown step done: step=%s dur=%s", s.name, time.Since(start).Round(time.Millisecond))
		}
		m.err = errors.Join(errs...)
	})
	return m.err
}

// StopHTTPServer adapts an http.Server.
func StopHTTPServer(srv interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return srv.Shutdown
}

// CloseResource adapts an io.Closer.
func CloseResource(c interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}
