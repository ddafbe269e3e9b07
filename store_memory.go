package jobhub

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps job records in process memory. Records are cloned on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, j.ID)
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.refresh()
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, q Query) (ListResult, error) {
	q, err := q.Normalize()
	if err != nil {
		return ListResult{}, err
	}
	m.mu.RLock()
	all := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j.Clone())
	}
	m.mu.RUnlock()
	return ApplyQuery(all, q), nil
}
