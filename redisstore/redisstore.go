// Package redisstore persists jobhub job records in Redis.
//
// Each record is a JSON string key. A ZSET indexes every id by creation
// time and one SET per status holds the ids in that status, so listings by
// status never scan the whole namespace. Update is an optimistic
// WATCH/MULTI transaction retried on conflict.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/UniQw/jobhub"
	"github.com/UniQw/jobhub/internal/keys"
	"github.com/redis/go-redis/v9"
)

// ErrConflict is returned when an update keeps losing to concurrent writers.
var ErrConflict = errors.New("redisstore: too many concurrent updates")

const (
	defaultNamespace = "default"
	defaultTxRetries = 100
	mgetBatch        = 500
)

// Store is a jobhub.Store over a Redis client.
type Store struct {
	rdb       redis.UniversalClient
	k         keys.Namespace
	txRetries int
}

// Option configures a Store.
type Option func(*Store)

// WithNamespace isolates the keys of this store from other stores on the same Redis.
func WithNamespace(ns string) Option {
	return func(s *Store) {
		if ns != "" {
			s.k = keys.For(ns)
		}
	}
}

// WithTxRetries bounds how often a conflicting Update is retried.
func WithTxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.txRetries = n
		}
	}
}

// New returns a store over rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, k: keys.For(defaultNamespace), txRetries: defaultTxRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ jobhub.Store = (*Store)(nil)

// Atomic create: fail if the record exists, otherwise write it and index it.
var createScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	redis.call('SADD', KEYS[3], ARGV[3])
	return 1
	`,
)

func notFound(id string) error {
	return fmt.Errorf("%w: job %s", jobhub.ErrNotFound, id)
}

func (s *Store) Create(ctx context.Context, j *jobhub.Job) error {
	raw, err := jobhub.MarshalJob(j.Clone())
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", j.ID, err)
	}
	score := strconv.FormatInt(j.Timestamps.Created.UnixMilli(), 10)
	ok, err := createScript.Run(ctx, s.rdb,
		[]string{s.k.Job(j.ID), s.k.Index, s.k.Status(string(j.Status))},
		raw, score, j.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("redisstore: create %s: %w", j.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", jobhub.ErrDuplicateID, j.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*jobhub.Job, error) {
	raw, err := s.rdb.Get(ctx, s.k.Job(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", id, err)
	}
	return decode(id, raw)
}

func decode(id string, raw []byte) (*jobhub.Job, error) {
	j, err := jobhub.UnmarshalJob(raw)
	if err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", id, err)
	}
	return j, nil
}

// Update reads the record under WATCH, applies fn and commits the record
// together with its status index. A concurrent write aborts the
// transaction and fn runs again on the fresh record.
func (s *Store) Update(ctx context.Context, id string, fn func(*jobhub.Job) error) (*jobhub.Job, error) {
	key := s.k.Job(id)
	for i := 0; i < s.txRetries; i++ {
		var out *jobhub.Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return notFound(id)
			}
			if err != nil {
				return err
			}
			cur, err := decode(id, raw)
			if err != nil {
				return err
			}
			prev := cur.Status
			if err := fn(cur); err != nil {
				return err
			}
			next, err := jobhub.MarshalJob(cur)
			if err != nil {
				return fmt.Errorf("redisstore: encode %s: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, next, 0)
				if prev != cur.Status {
					p.SRem(ctx, s.k.Status(string(prev)), id)
					p.SAdd(ctx, s.k.Status(string(cur.Status)), id)
				}
				return nil
			})
			if err != nil {
				return err
			}
			out = cur
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: job %s", ErrConflict, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	key := s.k.Job(id)
	for i := 0; i < s.txRetries; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return notFound(id)
			}
			if err != nil {
				return err
			}
			cur, err := decode(id, raw)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Del(ctx, key)
				p.ZRem(ctx, s.k.Index, id)
				p.SRem(ctx, s.k.Status(string(cur.Status)), id)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: job %s", ErrConflict, id)
}

// List loads the candidate records from the status sets (or the creation
// index when no status filter applies) and filters, sorts and pages them
// in memory.
func (s *Store) List(ctx context.Context, q jobhub.Query) (jobhub.ListResult, error) {
	q, err := q.Normalize()
	if err != nil {
		return jobhub.ListResult{}, err
	}
	var ids []string
	if sf := q.StatusFilter(); sf != nil {
		if len(sf) == 0 {
			return jobhub.ApplyQuery(nil, q), nil
		}
		setKeys := make([]string, len(sf))
		for i, st := range sf {
			setKeys[i] = s.k.Status(string(st))
		}
		ids, err = s.rdb.SUnion(ctx, setKeys...).Result()
	} else {
		ids, err = s.rdb.ZRange(ctx, s.k.Index, 0, -1).Result()
	}
	if err != nil {
		return jobhub.ListResult{}, fmt.Errorf("redisstore: list ids: %w", err)
	}

	jobs, err := s.load(ctx, ids)
	if err != nil {
		return jobhub.ListResult{}, err
	}
	return jobhub.ApplyQuery(jobs, q), nil
}

// load fetches records in MGET batches. Ids deleted in between are skipped.
func (s *Store) load(ctx context.Context, ids []string) ([]*jobhub.Job, error) {
	jobs := make([]*jobhub.Job, 0, len(ids))
	for start := 0; start < len(ids); start += mgetBatch {
		batch := ids[start:min(start+mgetBatch, len(ids))]
		recKeys := make([]string, len(batch))
		for i, id := range batch {
			recKeys[i] = s.k.Job(id)
		}
		vals, err := s.rdb.MGet(ctx, recKeys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: load records: %w", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			j, err := decode(batch[i], []byte(str))
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}
