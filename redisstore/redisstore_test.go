package redisstore

import (
	"context"
	"testing"

	"github.com/UniQw/jobhub"
	"github.com/UniQw/jobhub/internal/keys"
	"github.com/UniQw/jobhub/storetest"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) jobhub.Store {
		rdb, _ := newMiniClient(t)
		return New(rdb)
	})
}

func TestStore_StatusIndexFollowsUpdates(t *testing.T) {
	rdb, mr := newMiniClient(t)
	s := New(rdb, WithNamespace("idx"))
	ctx := context.Background()
	k := keys.For("idx")

	require.NoError(t, s.Create(ctx, storetest.NewJob("a", "t", jobhub.PriorityNormal, 0)))
	require.True(t, mr.Exists(k.Job("a")))
	members, err := mr.Members(k.Status("queued"))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, members)

	_, err = s.Update(ctx, "a", func(j *jobhub.Job) error {
		j.Status = jobhub.StatusRunning
		return nil
	})
	require.NoError(t, err)
	require.False(t, mr.Exists(k.Status("queued")), "empty sets are removed by Redis")
	members, err = mr.Members(k.Status("running"))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, members)

	require.NoError(t, s.Delete(ctx, "a"))
	require.False(t, mr.Exists(k.Job("a")))
	require.False(t, mr.Exists(k.Status("running")))
	require.False(t, mr.Exists(k.Index))
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	rdb, _ := newMiniClient(t)
	a := New(rdb, WithNamespace("a"))
	b := New(rdb, WithNamespace("b"))
	ctx := context.Background()

	require.NoError(t, a.Create(ctx, storetest.NewJob("x", "t", jobhub.PriorityNormal, 0)))
	require.NoError(t, b.Create(ctx, storetest.NewJob("x", "t", jobhub.PriorityNormal, 0)))

	res, err := a.List(ctx, jobhub.Query{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)

	require.NoError(t, b.Delete(ctx, "x"))
	_, err = a.Get(ctx, "x")
	require.NoError(t, err)
}

func TestStore_ListSkipsVanishedRecords(t *testing.T) {
	rdb, mr := newMiniClient(t)
	s := New(rdb)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, storetest.NewJob("a", "t", jobhub.PriorityNormal, 0)))
	require.NoError(t, s.Create(ctx, storetest.NewJob("b", "t", jobhub.PriorityNormal, 1)))

	mr.Del(keys.For(defaultNamespace).Job("a"))

	res, err := s.List(ctx, jobhub.Query{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, "b", res.Jobs[0].ID)
}

func TestStore_DecodeError(t *testing.T) {
	rdb, mr := newMiniClient(t)
	s := New(rdb)
	require.NoError(t, mr.Set(keys.For(defaultNamespace).Job("bad"), "{not json"))

	_, err := s.Get(context.Background(), "bad")
	require.Error(t, err)
	require.NotErrorIs(t, err, jobhub.ErrNotFound)
}
