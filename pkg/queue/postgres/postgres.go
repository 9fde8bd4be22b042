// Package postgres stores collector caches and inter-stage queues in
// PostgreSQL. Concurrent consumers on many hosts share one queue; a fetch
// claims rows with FOR UPDATE SKIP LOCKED so each item is delivered once.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingest_queue (
  id bigserial PRIMARY KEY,
  message_id uuid NOT NULL,
  queue_name text NOT NULL,
  payload jsonb NOT NULL,
  enqueued_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS ingest_queue_name_id ON ingest_queue (queue_name, id);
`

// Store is a set of named queues in one PostgreSQL database.
type Store struct {
	pool  *pgxpool.Pool
	owned bool
	now   func() time.Time
}

type Option func(*Store)

// WithClock overrides time.Now for arrival stamps and age checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Connect opens a pool for dsn and ensures the schema exists.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := New(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing pool. The caller keeps ownership of pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}
	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the pool if Connect created it.
func (s *Store) Close() {
	if s.owned {
		s.pool.Close()
	}
}

// Open returns a handle onto the named queue. It satisfies ingest.Queues.
func (s *Store) Open(ctx context.Context, name string) (ingest.Queue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	return &Queue{store: s, name: name}, nil
}

// Queue is one named FIFO inside a Store. Items come back from Fetch as
// json.RawMessage.
type Queue struct {
	store *Store
	name  string
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) QueueData(ctx context.Context, item any) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item for %s: %w", q.name, err)
	}
	_, err = q.store.pool.Exec(ctx,
		`INSERT INTO ingest_queue (message_id, queue_name, payload, enqueued_at) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), q.name, json.RawMessage(payload), q.store.now().UTC())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return nil
}

const fetchSQL = `
WITH batch AS (
  SELECT id FROM ingest_queue
  WHERE queue_name = $1
  ORDER BY id
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
DELETE FROM ingest_queue q
USING batch
WHERE q.id = batch.id
RETURNING q.id, q.payload
`

func (q *Queue) Fetch(ctx context.Context, n int) ([]any, error) {
	if n <= 0 {
		return nil, ctx.Err()
	}
	rows, err := q.store.pool.Query(ctx, fetchSQL, q.name, n)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", q.name, err)
	}
	type claimed struct {
		id      int64
		payload []byte
	}
	var got []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("fetch %s: %w", q.name, err)
		}
		got = append(got, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", q.name, err)
	}
	if len(got) == 0 {
		return nil, nil
	}

	// RETURNING does not preserve the CTE's order.
	slices.SortFunc(got, func(a, b claimed) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	out := make([]any, len(got))
	for i, c := range got {
		out[i] = json.RawMessage(c.payload)
	}
	return out, nil
}

func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	err := q.store.pool.QueryRow(ctx,
		`SELECT count(*) FROM ingest_queue WHERE queue_name = $1`, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", q.name, err)
	}
	return n, nil
}

func (q *Queue) TimeSinceOldest(ctx context.Context) (time.Duration, error) {
	var at time.Time
	err := q.store.pool.QueryRow(ctx,
		`SELECT enqueued_at FROM ingest_queue WHERE queue_name = $1 ORDER BY id LIMIT 1`, q.name).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ingest.ErrEmptyQueue
	}
	if err != nil {
		return 0, fmt.Errorf("oldest %s: %w", q.name, err)
	}
	return q.store.now().Sub(at), nil
}
