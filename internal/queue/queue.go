// Package queue holds admitted job ids in strict priority bands.
//
// Within a band items are ordered by creation time, then by admission
// sequence. Items re-admitted for a retry wait in a delayed set until their
// eligibility instant and are promoted on the next Dequeue or Stats call.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// Bands is the number of priority bands. Band 0 is the lowest.
const Bands = 4

var (
	// ErrFull is returned by Enqueue when the queue is at capacity.
	ErrFull = errors.New("queue: full")
	// ErrDuplicate is returned when an id is already queued.
	ErrDuplicate = errors.New("queue: duplicate id")
)

// Item is a queued job reference.
type Item struct {
	ID      string
	Band    int
	Created time.Time
	// Admitted is when the item became eligible for dispatch; wait times are measured from it.
	Admitted time.Time

	seq      uint64
	eligible time.Time
	index    int
	delayed  bool
}

// Stats is a read-only snapshot of the queue.
type Stats struct {
	Ready      int
	Delayed    int
	ByBand     [Bands]int
	OldestWait time.Duration
	AvgWait    time.Duration
}

// Queue is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	capacity int
	bands    [Bands]readyHeap
	delayed  delayHeap
	items    map[string]*Item
	seq      uint64
}

// New returns a queue bounded to capacity items; 0 means unbounded.
func New(capacity int) *Queue {
	return &Queue{capacity: capacity, items: make(map[string]*Item)}
}

// Enqueue admits it for immediate dispatch.
func (q *Queue) Enqueue(it Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[it.ID]; ok {
		return ErrDuplicate
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrFull
	}
	q.pushReady(&it)
	return nil
}

// Requeue admits it once eligibleAt is reached. It ignores the capacity bound:
// a job that was already admitted is never dropped.
func (q *Queue) Requeue(it Item, eligibleAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[it.ID]; ok {
		return ErrDuplicate
	}
	p := &it
	if p.Band < 0 || p.Band >= Bands {
		p.Band = 0
	}
	p.eligible = eligibleAt
	p.delayed = true
	q.seq++
	p.seq = q.seq
	q.items[p.ID] = p
	heap.Push(&q.delayed, p)
	return nil
}

// Dequeue pops the oldest eligible item of the highest non-empty band.
func (q *Queue) Dequeue(now time.Time) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote(now)
	for b := Bands - 1; b >= 0; b-- {
		if q.bands[b].Len() == 0 {
			continue
		}
		p := heap.Pop(&q.bands[b]).(*Item)
		delete(q.items, p.ID)
		return *p, true
	}
	return Item{}, false
}

// Remove drops id from the queue. It reports whether the id was present.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.items[id]
	if !ok {
		return false
	}
	if p.delayed {
		heap.Remove(&q.delayed, p.index)
	} else {
		heap.Remove(&q.bands[p.Band], p.index)
	}
	delete(q.items, id)
	return true
}

// Contains reports whether id is queued or delayed.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

// Len returns the number of ready and delayed items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// NextEligible returns the earliest eligibility instant among delayed items.
func (q *Queue) NextEligible() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.delayed.Len() == 0 {
		return time.Time{}, false
	}
	return q.delayed[0].eligible, true
}

// Stats returns counts and wait times as of now. Delayed items whose
// eligibility has passed are counted as ready.
func (q *Queue) Stats(now time.Time) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st Stats
	var total time.Duration
	for b := 0; b < Bands; b++ {
		st.ByBand[b] = q.bands[b].Len()
		st.Ready += st.ByBand[b]
		for _, p := range q.bands[b] {
			w := max(now.Sub(p.Admitted), 0)
			total += w
			st.OldestWait = max(st.OldestWait, w)
		}
	}
	for _, p := range q.delayed {
		if p.eligible.After(now) {
			st.Delayed++
			continue
		}
		st.ByBand[p.Band]++
		st.Ready++
		w := now.Sub(p.eligible)
		total += w
		st.OldestWait = max(st.OldestWait, w)
	}
	if st.Ready > 0 {
		st.AvgWait = total / time.Duration(st.Ready)
	}
	return st
}

func (q *Queue) pushReady(p *Item) {
	if p.Band < 0 || p.Band >= Bands {
		p.Band = 0
	}
	if p.Admitted.IsZero() {
		p.Admitted = time.Now()
	}
	p.delayed = false
	q.seq++
	p.seq = q.seq
	q.items[p.ID] = p
	heap.Push(&q.bands[p.Band], p)
}

func (q *Queue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].eligible.After(now) {
		p := heap.Pop(&q.delayed).(*Item)
		delete(q.items, p.ID)
		p.Admitted = p.eligible
		q.pushReady(p)
	}
}

type readyHeap []*Item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if !h[i].Created.Equal(h[j].Created) {
		return h[i].Created.Before(h[j].Created)
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	p := x.(*Item)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

type delayHeap []*Item

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].eligible.Equal(h[j].eligible) {
		return h[i].eligible.Before(h[j].eligible)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayHeap) Push(x any) {
	p := x.(*Item)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}
