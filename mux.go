package jobhub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is the function signature for processing a job payload.
type HandlerFunc func(ctx context.Context, data []byte) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// ValidateFunc checks a payload at submission time.
type ValidateFunc func(data []byte) error

// Validator is implemented by typed payloads that check themselves.
type Validator interface {
	Validate() error
}

type handler struct {
	exec     HandlerFunc
	validate ValidateFunc
}

// Mux routes jobs to their respective handlers based on job type.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[string]handler
	encoder     Encoder
	middlewares []Middleware
}

// NewMux creates a new job Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[string]handler),
		encoder:     &JSONEncoder{},
		middlewares: []Middleware{},
	}
}

// Handle registers a handler for a specific job type. Any payload is accepted at submission.
func (m *Mux) Handle(jobType string, fn HandlerFunc) {
	m.HandleValidated(jobType, fn, nil)
}

// HandleValidated registers a handler together with a payload validator
// that runs synchronously in Submit.
func (m *Mux) HandleValidated(jobType string, fn HandlerFunc, validate ValidateFunc) {
	m.mu.Lock()
	m.handlers[jobType] = handler{exec: fn, validate: validate}
	m.mu.Unlock()
}

// HandleTyped registers a handler whose payload is decoded into T.
// Submissions whose data does not decode, or whose decoded T fails its
// Validate method, are rejected with ErrValidation.
func HandleTyped[T any](m *Mux, jobType string, fn func(ctx context.Context, payload T) error) {
	decode := func(data []byte) (T, error) {
		var v T
		if len(data) == 0 {
			return v, fmt.Errorf("%w: empty payload for %s", ErrValidation, jobType)
		}
		if err := m.encoder.Decode(data, &v); err != nil {
			return v, fmt.Errorf("%w: %s payload: %v", ErrValidation, jobType, err)
		}
		if vv, ok := any(&v).(Validator); ok {
			if err := vv.Validate(); err != nil {
				return v, fmt.Errorf("%w: %v", ErrValidation, err)
			}
		} else if vv, ok := any(v).(Validator); ok {
			if err := vv.Validate(); err != nil {
				return v, fmt.Errorf("%w: %v", ErrValidation, err)
			}
		}
		return v, nil
	}
	m.HandleValidated(jobType,
		func(ctx context.Context, data []byte) error {
			v, err := decode(data)
			if err != nil {
				return Permanent(err)
			}
			return fn(ctx, v)
		},
		func(data []byte) error {
			_, err := decode(data)
			return err
		})
}

// Remove unregisters the handler for jobType. Jobs of that type still in
// the queue fail with ErrUnknownJobType when claimed.
func (m *Mux) Remove(jobType string) {
	m.mu.Lock()
	delete(m.handlers, jobType)
	m.mu.Unlock()
}

// Types returns the registered job types, sorted.
func (m *Mux) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	m.middlewares = append(m.middlewares, mw)
	m.mu.Unlock()
}

// Validate checks that jobType is registered and that data is acceptable for it.
func (m *Mux) Validate(jobType string, data []byte) error {
	m.mu.RLock()
	h, ok := m.handlers[jobType]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %w: %q", ErrValidation, ErrUnknownJobType, jobType)
	}
	if h.validate == nil {
		return nil
	}
	err := h.validate(data)
	if err != nil && !errors.Is(err, ErrValidation) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return err
}

// lookup returns the middleware-wrapped handler for jobType.
func (m *Mux) lookup(jobType string) (HandlerFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[jobType]
	if !ok {
		return nil, false
	}
	return m.wrapHandler(h.exec), true
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}
