// Package pool is a resizable arena of worker slots.
//
// A slot runs one job at a time. Slots are addressed by stable ids
// ("w-1", "w-2", ...) that are never reused within a process.
package pool

import (
	"strconv"
	"sync"
	"time"
)

// State of a slot.
type State string

const (
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateRetiring State = "retiring"
)

// Slot is a snapshot of one worker slot.
type Slot struct {
	ID                  string
	State               State
	JobID               string
	Healthy             bool
	LastHeartbeat       time.Time
	ConsecutiveFailures int
	Completed           int
	Failed              int
	StartedAt           time.Time
	UnhealthySince      time.Time
}

// Config controls slot health.
type Config struct {
	// FailureLimit is the number of consecutive failed cycles that marks a slot unhealthy.
	FailureLimit int
	// HeartbeatTimeout marks a busy slot unhealthy when its heartbeat is older.
	HeartbeatTimeout time.Duration
	// Quarantine is how long an unhealthy idle slot stays excluded before it recovers.
	Quarantine time.Duration
}

// Stats summarizes the arena.
type Stats struct {
	Target  int
	Total   int
	Busy    int
	Idle    int
	Healthy int
}

// Pool is safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	slots  []*Slot
	seq    int
	target int
}

// New creates a pool with size idle slots.
func New(size int, cfg Config) *Pool {
	p := &Pool{cfg: cfg}
	p.Resize(size, time.Now())
	return p
}

// Acquire binds jobID to the first idle healthy slot.
func (p *Pool) Acquire(jobID string, now time.Time) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.State == StateIdle && s.Healthy {
			s.State = StateBusy
			s.JobID = jobID
			s.LastHeartbeat = now
			return s.ID, true
		}
	}
	return "", false
}

// HasIdle reports whether Acquire would succeed.
func (p *Pool) HasIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.State == StateIdle && s.Healthy {
			return true
		}
	}
	return false
}

// Heartbeat refreshes a busy slot.
func (p *Pool) Heartbeat(id string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.find(id); s != nil {
		s.LastHeartbeat = now
	}
}

// Release frees slot id after a job cycle. ok reports whether the cycle
// succeeded; FailureLimit consecutive failures mark the slot unhealthy.
// A retiring slot is removed.
func (p *Pool) Release(id string, ok bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexOf(id)
	if i < 0 {
		return
	}
	s := p.slots[i]
	s.JobID = ""
	s.LastHeartbeat = now
	if ok {
		s.Completed++
		s.ConsecutiveFailures = 0
	} else {
		s.Failed++
		s.ConsecutiveFailures++
		if p.cfg.FailureLimit > 0 && s.ConsecutiveFailures >= p.cfg.FailureLimit && s.Healthy {
			s.Healthy = false
			s.UnhealthySince = now
		}
	}
	if s.State == StateRetiring {
		p.slots = append(p.slots[:i], p.slots[i+1:]...)
		return
	}
	s.State = StateIdle
}

// Unbind returns slot id to idle without counting a cycle.
func (p *Pool) Unbind(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexOf(id)
	if i < 0 {
		return
	}
	s := p.slots[i]
	s.JobID = ""
	if s.State == StateRetiring {
		p.slots = append(p.slots[:i], p.slots[i+1:]...)
		return
	}
	s.State = StateIdle
}

// Sweep applies heartbeat and quarantine rules. It reports whether any
// slot changed health.
func (p *Pool) Sweep(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := false
	for _, s := range p.slots {
		switch {
		case s.Healthy && s.State != StateIdle && p.cfg.HeartbeatTimeout > 0 &&
			now.Sub(s.LastHeartbeat) > p.cfg.HeartbeatTimeout:
			s.Healthy = false
			s.UnhealthySince = now
			changed = true
		case !s.Healthy && s.State == StateIdle && now.Sub(s.UnhealthySince) >= p.cfg.Quarantine:
			s.Healthy = true
			s.ConsecutiveFailures = 0
			s.UnhealthySince = time.Time{}
			changed = true
		}
	}
	return changed
}

// Resize sets the target slot count. Growing adds idle slots; shrinking
// removes idle slots (unhealthy ones first) and retires busy slots after
// their current job.
func (p *Pool) Resize(n int, now time.Time) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = n
	live := p.liveCount()
	for ; live < n; live++ {
		p.add(now)
	}
	for live > n {
		i := p.pickVictim()
		if i < 0 {
			break
		}
		if p.slots[i].State == StateIdle {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
		} else {
			p.slots[i].State = StateRetiring
		}
		live--
	}
}

// Restart replaces every unhealthy slot with a fresh one. Busy unhealthy
// slots retire once their job returns. It returns the number replaced.
func (p *Pool) Restart(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	kept := p.slots[:0]
	for _, s := range p.slots {
		if s.Healthy || s.State == StateRetiring {
			kept = append(kept, s)
			continue
		}
		n++
		if s.State == StateBusy {
			s.State = StateRetiring
			kept = append(kept, s)
		}
	}
	p.slots = kept
	for i := 0; i < n; i++ {
		p.add(now)
	}
	return n
}

// Size returns the target slot count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Stats returns slot counts. Retiring slots count as busy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Target: p.target, Total: len(p.slots)}
	for _, s := range p.slots {
		if s.State == StateIdle {
			st.Idle++
		} else {
			st.Busy++
		}
		if s.Healthy {
			st.Healthy++
		}
	}
	return st
}

// Snapshot returns a copy of every slot in id order.
func (p *Pool) Snapshot() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Slot, len(p.slots))
	for i, s := range p.slots {
		out[i] = *s
	}
	return out
}

func (p *Pool) add(now time.Time) {
	p.seq++
	p.slots = append(p.slots, &Slot{
		ID:            "w-" + strconv.Itoa(p.seq),
		State:         StateIdle,
		Healthy:       true,
		StartedAt:     now,
		LastHeartbeat: now,
	})
}

func (p *Pool) liveCount() int {
	n := 0
	for _, s := range p.slots {
		if s.State != StateRetiring {
			n++
		}
	}
	return n
}

// pickVictim prefers idle unhealthy, then idle, then busy slots, newest first.
func (p *Pool) pickVictim() int {
	best, rank := -1, -1
	for i := len(p.slots) - 1; i >= 0; i-- {
		s := p.slots[i]
		r := -1
		switch {
		case s.State == StateIdle && !s.Healthy:
			r = 2
		case s.State == StateIdle:
			r = 1
		case s.State == StateBusy:
			r = 0
		}
		if r > rank {
			best, rank = i, r
		}
	}
	return best
}

func (p *Pool) find(id string) *Slot {
	if i := p.indexOf(id); i >= 0 {
		return p.slots[i]
	}
	return nil
}

func (p *Pool) indexOf(id string) int {
	for i, s := range p.slots {
		if s.ID == id {
			return i
		}
	}
	return -1
}
