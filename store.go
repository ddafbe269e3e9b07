package jobhub

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Store persists job records. Implementations must make Update an atomic
// read-modify-write: fn sees the latest record and its changes are
// committed only if no concurrent writer touched the record in between.
type Store interface {
	// Create inserts a new record. It fails with ErrDuplicateID if the id exists.
	Create(ctx context.Context, j *Job) error
	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Update applies fn to the record and stores the result. An error from fn
	// aborts the update and is returned unchanged.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	// Delete removes the record or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
	// List returns one page of records matching q.
	List(ctx context.Context, q Query) (ListResult, error)
}

// SortField selects the listing order.
type SortField string

const (
	SortCreated  SortField = "created"
	SortUpdated  SortField = "updated"
	SortPriority SortField = "priority"
	SortStatus   SortField = "status"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 200
)

// Query filters, sorts and paginates a job listing.
type Query struct {
	Statuses  []Status
	Types     []string
	User      string
	Partition Partition
	// Page is 1-based.
	Page  int
	Limit int
	Sort  SortField
	Desc  bool
}

// ListResult is one page of a listing.
type ListResult struct {
	Jobs    []*Job `json:"jobs"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	Limit   int    `json:"limit"`
	HasMore bool   `json:"hasMore"`
}

// Normalize applies defaults and validates q.
func (q Query) Normalize() (Query, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	switch q.Sort {
	case "":
		q.Sort = SortCreated
	case SortCreated, SortUpdated, SortPriority, SortStatus:
	default:
		return q, fmt.Errorf("%w: unknown sort %q", ErrValidation, q.Sort)
	}
	if q.Partition != "" && q.Partition.Statuses() == nil {
		return q, fmt.Errorf("%w: unknown partition %q", ErrValidation, q.Partition)
	}
	for _, s := range q.Statuses {
		if _, err := ParseStatus(string(s)); err != nil {
			return q, fmt.Errorf("%w: unknown status %q", ErrValidation, s)
		}
	}
	return q, nil
}

// StatusFilter returns the statuses a record must have to match, or nil
// when any status matches. Statuses and Partition are intersected; an empty
// non-nil result matches nothing.
func (q Query) StatusFilter() []Status {
	if len(q.Statuses) == 0 {
		return q.Partition.Statuses()
	}
	if q.Partition == "" {
		return q.Statuses
	}
	part := q.Partition.Statuses()
	out := []Status{}
	for _, s := range q.Statuses {
		if slices.Contains(part, s) {
			out = append(out, s)
		}
	}
	return out
}

// Offset returns the index of the first record of the page.
func (q Query) Offset() int {
	return (q.Page - 1) * q.Limit
}

// Matches reports whether j passes the filters of q.
func (q Query) Matches(j *Job) bool {
	if sf := q.StatusFilter(); sf != nil && !slices.Contains(sf, j.Status) {
		return false
	}
	if len(q.Types) > 0 && !slices.Contains(q.Types, j.Type) {
		return false
	}
	if q.User != "" && q.User != j.User {
		return false
	}
	return true
}

// ApplyQuery filters, sorts and paginates jobs in memory. q must be normalized.
func ApplyQuery(jobs []*Job, q Query) ListResult {
	matched := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		if q.Matches(j) {
			matched = append(matched, j)
		}
	}
	SortJobs(matched, q.Sort, q.Desc)

	res := ListResult{Total: len(matched), Page: q.Page, Limit: q.Limit, Jobs: []*Job{}}
	from := q.Offset()
	if from >= len(matched) {
		return res
	}
	to := min(from+q.Limit, len(matched))
	res.Jobs = matched[from:to]
	res.HasMore = to < len(matched)
	return res
}

// SortJobs orders jobs by field, breaking ties by creation time then id.
func SortJobs(jobs []*Job, field SortField, desc bool) {
	sort.SliceStable(jobs, func(a, b int) bool {
		c := compareJobs(jobs[a], jobs[b], field)
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareJobs(a, b *Job, field SortField) int {
	var c int
	switch field {
	case SortUpdated:
		c = a.Timestamps.Updated.Compare(b.Timestamps.Updated)
	case SortPriority:
		c = a.Priority.Rank() - b.Priority.Rank()
	case SortStatus:
		c = strings.Compare(string(a.Status), string(b.Status))
	}
	if c != 0 {
		return c
	}
	if c = a.Timestamps.Created.Compare(b.Timestamps.Created); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
