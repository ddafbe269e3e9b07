package hctx

import (
	"context"
	"slices"
	"sync"
)

// Progress mirrors the public progress record. It lives here so the
// root package can hand state to handlers without an import cycle.
type Progress struct {
	Percentage       int
	ProcessedItems   int
	TotalItems       int
	CurrentStep      int
	TotalSteps       int
	CurrentOperation string
}

// Item is a failed sub-item.
type Item struct {
	ID    string
	Error string
}

// Outcome is what a handler attached to its execution besides its error.
type Outcome struct {
	Summary   string
	Succeeded []string
	Failed    []Item
	Output    []byte
	// Set is true once the handler touched any result field.
	Set bool
}

// State holds per-execution, handler-provided metadata that the runtime
// captures while the handler runs and after it returns.
// Handlers may call into it from several goroutines.
type State struct {
	JobID   string
	Attempt int

	// OnProgress, when set, receives a copy of every progress update.
	// It is called without holding the state lock.
	OnProgress func(Progress)

	mu          sync.Mutex
	progress    Progress
	hasProgress bool
	out         Outcome
}

// New creates a fresh handler state container.
func New(jobID string, attempt int) *State {
	return &State{JobID: jobID, Attempt: attempt}
}

// UpdateProgress applies fn to the current progress and publishes the result.
func (s *State) UpdateProgress(fn func(*Progress)) {
	s.mu.Lock()
	fn(&s.progress)
	s.hasProgress = true
	p := s.progress
	s.mu.Unlock()
	if s.OnProgress != nil {
		s.OnProgress(p)
	}
}

// Progress returns the last progress and whether any was reported.
func (s *State) Progress() (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress, s.hasProgress
}

// Succeed records a successful sub-item.
func (s *State) Succeed(id string) {
	s.mu.Lock()
	s.out.Succeeded = append(s.out.Succeeded, id)
	s.out.Set = true
	s.mu.Unlock()
}

// Fail records a failed sub-item.
func (s *State) Fail(id, msg string) {
	s.mu.Lock()
	s.out.Failed = append(s.out.Failed, Item{ID: id, Error: msg})
	s.out.Set = true
	s.mu.Unlock()
}

// SetSummary sets the human readable summary; last wins.
func (s *State) SetSummary(summary string) {
	s.mu.Lock()
	s.out.Summary = summary
	s.out.Set = true
	s.mu.Unlock()
}

// SetOutput sets the type-specific output document; last wins.
func (s *State) SetOutput(b []byte) {
	s.mu.Lock()
	s.out.Output = b
	s.out.Set = true
	s.mu.Unlock()
}

// Outcome returns a copy of the recorded outcome.
func (s *State) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.out
	o.Succeeded = slices.Clone(s.out.Succeeded)
	o.Failed = slices.Clone(s.out.Failed)
	o.Output = slices.Clone(s.out.Output)
	return o
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
