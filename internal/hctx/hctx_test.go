package hctx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_NewAndWithFrom(t *testing.T) {
	st := New("job-1", 2)
	require.NotNil(t, st)

	ctx := WithState(context.Background(), st)
	got, ok := From(ctx)
	require.True(t, ok, "From should find state")
	require.Same(t, st, got, "should retrieve the same pointer")
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, 2, got.Attempt)
}

func TestState_From_Absent(t *testing.T) {
	ctx := context.Background()
	st, ok := From(ctx)
	require.False(t, ok)
	require.Nil(t, st)
}

func TestState_ProgressPublishesCopy(t *testing.T) {
	st := New("j", 1)
	var seen []Progress
	st.OnProgress = func(p Progress) { seen = append(seen, p) }

	_, ok := st.Progress()
	require.False(t, ok)

	st.UpdateProgress(func(p *Progress) { p.TotalItems = 20 })
	st.UpdateProgress(func(p *Progress) { p.ProcessedItems = 6 })

	p, ok := st.Progress()
	require.True(t, ok)
	require.Equal(t, 6, p.ProcessedItems)
	require.Len(t, seen, 2)
	require.Equal(t, 20, seen[0].TotalItems)
	require.Zero(t, seen[0].ProcessedItems)
}

func TestState_OutcomeConcurrent(t *testing.T) {
	st := New("j", 1)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				st.Succeed("ok")
			} else {
				st.Fail("bad", "nope")
			}
		}(i)
	}
	wg.Wait()

	o := st.Outcome()
	require.True(t, o.Set)
	require.Len(t, o.Succeeded, 25)
	require.Len(t, o.Failed, 25)

	// returned slices are copies
	o.Succeeded[0] = "mutated"
	require.Equal(t, "ok", st.Outcome().Succeeded[0])
}
