// Package storetest is a conformance suite for jobhub.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/jobhub"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) jobhub.Store

// Run exercises every Store operation against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UpdateConcurrent", func(t *testing.T) { testUpdateConcurrent(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, newStore(t)) })
	t.Run("ListSortAndPage", func(t *testing.T) { testListSortAndPage(t, newStore(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a queued record created i seconds after a fixed instant.
func NewJob(id, jobType string, prio jobhub.Priority, i int) *jobhub.Job {
	created := base.Add(time.Duration(i) * time.Second)
	queued := created.Add(time.Millisecond)
	return &jobhub.Job{
		ID:         id,
		Type:       jobType,
		Status:     jobhub.StatusQueued,
		Priority:   prio,
		Data:       []byte(`{"n":` + fmt.Sprint(i) + `}`),
		MaxRetries: 3,
		TimeoutMs:  60000,
		Timestamps: jobhub.Timestamps{Created: created, Updated: queued, Queued: &queued},
	}
}

func testCreateGet(t *testing.T, s jobhub.Store) {
	ctx := context.Background()
	j := NewJob("a", "data_export", jobhub.PriorityHigh, 0)
	j.User = "u1"
	j.Progress = &jobhub.Progress{Percentage: 10, ProcessedItems: 1, TotalItems: 10}
	require.NoError(t, s.Create(ctx, j))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
	require.Equal(t, jobhub.StatusQueued, got.Status)
	require.Equal(t, jobhub.PriorityHigh, got.Priority)
	require.Equal(t, "u1", got.User)
	require.JSONEq(t, `{"n":0}`, string(got.Data))
	require.Equal(t, 10, got.Progress.TotalItems)
	require.True(t, got.Timestamps.Created.Equal(j.Timestamps.Created))
	require.True(t, got.Timestamps.Queued.Equal(*j.Timestamps.Queued))

	// the store keeps its own copy
	got.Status = jobhub.StatusFailed
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, jobhub.StatusQueued, again.Status)

	err = s.Create(ctx, NewJob("a", "data_export", jobhub.PriorityLow, 1))
	require.ErrorIs(t, err, jobhub.ErrDuplicateID)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, jobhub.ErrNotFound)
}

func testUpdate(t *testing.T, s jobhub.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewJob("a", "t", jobhub.PriorityNormal, 0)))

	out, err := s.Update(ctx, "a", func(j *jobhub.Job) error {
		j.Status = jobhub.StatusFailed
		j.Attempts = 1
		j.Error = &jobhub.JobError{Kind: jobhub.ErrorKindExecution, Message: "boom", Retryable: true}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, jobhub.StatusFailed, out.Status)
	require.True(t, out.CanRetry)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, jobhub.StatusFailed, got.Status)
	require.Equal(t, "boom", got.Error.Message)
	require.True(t, got.CanRetry)

	abort := errors.New("abort")
	_, err = s.Update(ctx, "a", func(j *jobhub.Job) error {
		j.Status = jobhub.StatusCompleted
		return abort
	})
	require.ErrorIs(t, err, abort)
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, jobhub.StatusFailed, got.Status, "an aborted update must not be stored")

	_, err = s.Update(ctx, "missing", func(*jobhub.Job) error { return nil })
	require.ErrorIs(t, err, jobhub.ErrNotFound)
}

func testUpdateConcurrent(t *testing.T, s jobhub.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewJob("a", "t", jobhub.PriorityNormal, 0)))

	const writers, each = 6, 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := s.Update(ctx, "a", func(j *jobhub.Job) error {
					j.Attempts++
					return nil
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, writers*each, got.Attempts, "no update may be lost")
}

func testDelete(t *testing.T, s jobhub.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewJob("a", "t", jobhub.PriorityNormal, 0)))
	require.NoError(t, s.Create(ctx, NewJob("b", "t", jobhub.PriorityNormal, 1)))

	require.NoError(t, s.Delete(ctx, "a"))
	_, err := s.Get(ctx, "a")
	require.ErrorIs(t, err, jobhub.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "a"), jobhub.ErrNotFound)

	res, err := s.List(ctx, jobhub.Query{Statuses: []jobhub.Status{jobhub.StatusQueued}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, "b", res.Jobs[0].ID)
}

func ids(res jobhub.ListResult) []string {
	out := make([]string, 0, len(res.Jobs))
	for _, j := range res.Jobs {
		out = append(out, j.ID)
	}
	return out
}

func testListFilters(t *testing.T, s jobhub.Store) {
	ctx := context.Background()
	seed := []struct {
		id, typ, user string
		status        jobhub.Status
	}{
		{"j1", "bulk_assignment", "u1", jobhub.StatusQueued},
		{"j2", "bulk_assignment", "u2", jobhub.StatusRunning},
		{"j3", "data_export", "u1", jobhub.StatusCompleted},
		{"j4", "data_export", "u1", jobhub.StatusFailed},
		{"j5", "storage_cleanup", "u2", jobhub.StatusCancelled},
		{"j6", "storage_cleanup", "u1", jobhub.StatusRetry},
	}
	for i, sj := range seed {
		j := NewJob(sj.id, sj.typ, jobhub.PriorityNormal, i)
		j.User = sj.user
		require.NoError(t, s.Create(ctx, j))
		if sj.status != jobhub.StatusQueued {
			st := sj.status
			_, err := s.Update(ctx, sj.id, func(j *jobhub.Job) error {
				j.Status = st
				return nil
			})
			require.NoError(t, err)
		}
	}

	res, err := s.List(ctx, jobhub.Query{})
	require.NoError(t, err)
	require.Equal(t, 6, res.Total)
	require.Equal(t, []string{"j1", "j2", "j3", "j4", "j5", "j6"}, ids(res))

	res, err = s.List(ctx, jobhub.Query{Statuses: []jobhub.Status{jobhub.StatusQueued, jobhub.StatusRunning}})
	require.NoError(t, err)
	require.Equal(t, []string{"j1", "j2"}, ids(res))

	res, err = s.List(ctx, jobhub.Query{Types: []string{"data_export"}, User: "u1"})
	require.NoError(t, err)
	require.Equal(t, []string{"j3", "j4"}, ids(res))

	res, err = s.List(ctx, jobhub.Query{Partition: jobhub.PartitionFailed})
	require.NoError(t, err)
	require.Equal(t, []string{"j4", "j5"}, ids(res))

	res, err = s.List(ctx, jobhub.Query{Partition: jobhub.PartitionQueued})
	require.NoError(t, err)
	require.Equal(t, []string{"j1", "j6"}, ids(res))

	// statuses and partition intersect
	res, err = s.List(ctx, jobhub.Query{Partition: jobhub.PartitionActive, Statuses: []jobhub.Status{jobhub.StatusQueued}})
	require.NoError(t, err)
	require.Zero(t, res.Total)
	require.Empty(t, res.Jobs)
}

func testListSortAndPage(t *testing.T, s jobhub.Store) {
	ctx := context.Background()
	prios := []jobhub.Priority{jobhub.PriorityLow, jobhub.PriorityUrgent, jobhub.PriorityNormal, jobhub.PriorityHigh, jobhub.PriorityNormal}
	for i, p := range prios {
		require.NoError(t, s.Create(ctx, NewJob(fmt.Sprintf("p%d", i), "t", p, i)))
	}

	res, err := s.List(ctx, jobhub.Query{Sort: jobhub.SortPriority, Desc: true})
	require.NoError(t, err)
	// ties keep creation order reversed under Desc
	require.Equal(t, []string{"p1", "p3", "p4", "p2", "p0"}, ids(res))

	res, err = s.List(ctx, jobhub.Query{Sort: jobhub.SortCreated, Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 5, res.Total)
	require.Equal(t, []string{"p4", "p3"}, ids(res))
	require.True(t, res.HasMore)

	res, err = s.List(ctx, jobhub.Query{Limit: 2, Page: 3})
	require.NoError(t, err)
	require.Equal(t, []string{"p4"}, ids(res))
	require.False(t, res.HasMore)
	require.Equal(t, 3, res.Page)
	require.Equal(t, 2, res.Limit)

	res, err = s.List(ctx, jobhub.Query{Limit: 2, Page: 9})
	require.NoError(t, err)
	require.Empty(t, res.Jobs)
	require.Equal(t, 5, res.Total)

	_, err = s.List(ctx, jobhub.Query{Sort: "bogus"})
	require.ErrorIs(t, err, jobhub.ErrValidation)
}
