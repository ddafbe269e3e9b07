// Package sqlstore persists jobhub job records in SQLite or PostgreSQL.
//
// The full record is kept as JSON in the body column; the columns next to
// it exist only for filtering and ordering listings.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/UniQw/jobhub"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and locking syntax.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect maps a driver name to a dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	}
	return "", fmt.Errorf("sqlstore: unsupported driver %q", driver)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobhub_jobs (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		status        TEXT NOT NULL,
		priority_rank INTEGER NOT NULL,
		user_id       TEXT NOT NULL DEFAULT '',
		created_at    BIGINT NOT NULL,
		updated_at    BIGINT NOT NULL,
		body          TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobhub_jobs_status_created ON jobhub_jobs (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS jobhub_jobs_type ON jobhub_jobs (type)`,
}

// Store is a jobhub.Store over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ jobhub.Store = (*Store)(nil)

// Open connects to dsn with the driver of d and creates the schema.
// SQLite is limited to one open connection so transactions serialize.
func Open(ctx context.Context, d Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	s := New(db, d)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d}
}

// Migrate creates the table and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func notFound(id string) error {
	return fmt.Errorf("%w: job %s", jobhub.ErrNotFound, id)
}

func rank(j *jobhub.Job) int {
	return max(j.Priority.Rank(), 0)
}

func (s *Store) Create(ctx context.Context, j *jobhub.Job) error {
	body, err := jobhub.MarshalJob(j.Clone())
	if err != nil {
		return fmt.Errorf("sqlstore: encode %s: %w", j.ID, err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO jobhub_jobs
		(id, type, status, priority_rank, user_id, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		j.ID, j.Type, string(j.Status), rank(j), j.User,
		j.Timestamps.Created.UnixNano(), j.Timestamps.Updated.UnixNano(), string(body))
	if err != nil {
		return fmt.Errorf("sqlstore: create %s: %w", j.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", jobhub.ErrDuplicateID, j.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*jobhub.Job, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM jobhub_jobs WHERE id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get %s: %w", id, err)
	}
	return decode(id, body)
}

func decode(id, body string) (*jobhub.Job, error) {
	j, err := jobhub.UnmarshalJob([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: decode %s: %w", id, err)
	}
	return j, nil
}

// Update runs fn inside a transaction. PostgreSQL locks the row with
// SELECT ... FOR UPDATE; SQLite serializes on its single connection.
func (s *Store) Update(ctx context.Context, id string, fn func(*jobhub.Job) error) (*jobhub.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT body FROM jobhub_jobs WHERE id = ?`
	if s.dialect == Postgres {
		q += ` FOR UPDATE`
	}
	var body string
	err = tx.QueryRowContext(ctx, s.rebind(q), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: select %s: %w", id, err)
	}
	cur, err := decode(id, body)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}
	next, err := jobhub.MarshalJob(cur)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE jobhub_jobs
		SET status = ?, priority_rank = ?, user_id = ?, updated_at = ?, body = ?
		WHERE id = ?`),
		string(cur.Status), rank(cur), cur.User, cur.Timestamps.Updated.UnixNano(), string(next), id)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: update %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlstore: commit %s: %w", id, err)
	}
	return cur, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM jobhub_jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: delete %s: %w", id, err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

var sortColumns = map[jobhub.SortField]string{
	jobhub.SortCreated:  "created_at",
	jobhub.SortUpdated:  "updated_at",
	jobhub.SortPriority: "priority_rank",
	jobhub.SortStatus:   "status",
}

// List filters, orders and pages in SQL. Ties break on creation time then
// id, in the same direction as the sort.
func (s *Store) List(ctx context.Context, q jobhub.Query) (jobhub.ListResult, error) {
	q, err := q.Normalize()
	if err != nil {
		return jobhub.ListResult{}, err
	}
	res := jobhub.ListResult{Jobs: []*jobhub.Job{}, Page: q.Page, Limit: q.Limit}

	var where []string
	var args []any
	if sf := q.StatusFilter(); sf != nil {
		if len(sf) == 0 {
			return res, nil
		}
		where = append(where, "status IN ("+placeholders(len(sf))+")")
		for _, st := range sf {
			args = append(args, string(st))
		}
	}
	if len(q.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	if q.User != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.User)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM jobhub_jobs`+cond), args...).Scan(&res.Total); err != nil {
		return res, fmt.Errorf("sqlstore: count: %w", err)
	}
	if q.Offset() >= res.Total {
		return res, nil
	}

	dir := " ASC"
	if q.Desc {
		dir = " DESC"
	}
	order := " ORDER BY " + sortColumns[q.Sort] + dir
	if q.Sort != jobhub.SortCreated {
		order += ", created_at" + dir
	}
	order += ", id" + dir

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, body FROM jobhub_jobs`+cond+order+` LIMIT ? OFFSET ?`),
		append(args, q.Limit, q.Offset())...)
	if err != nil {
		return res, fmt.Errorf("sqlstore: list: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return res, fmt.Errorf("sqlstore: scan: %w", err)
		}
		j, err := decode(id, body)
		if err != nil {
			return res, err
		}
		res.Jobs = append(res.Jobs, j)
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("sqlstore: list: %w", err)
	}
	res.HasMore = q.Offset()+len(res.Jobs) < res.Total
	return res, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
