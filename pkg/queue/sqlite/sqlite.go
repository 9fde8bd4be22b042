// Package sqlite stores collector caches and inter-stage queues in a SQLite
// database, so buffered items survive process restarts on a single host.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingest_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_name TEXT NOT NULL,
	payload BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ingest_queue_name_id ON ingest_queue (queue_name, id);
`

// Store is a set of named queues in one SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
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

// Open opens (creating if needed) the database at path. Use ":memory:" for a
// throwaway store.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time keeps fetch-and-delete atomic across goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

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
	_, err = q.store.db.ExecContext(ctx,
		`INSERT INTO ingest_queue (queue_name, payload, enqueued_at) VALUES (?, ?, ?)`,
		q.name, payload, q.store.now().UnixNano())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return nil
}

func (q *Queue) Fetch(ctx context.Context, n int) ([]any, error) {
	if n <= 0 {
		return nil, ctx.Err()
	}
	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", q.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, payload FROM ingest_queue WHERE queue_name = ? ORDER BY id LIMIT ?`, q.name, n)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", q.name, err)
	}
	var (
		out   []any
		maxID int64
	)
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("fetch %s: %w", q.name, err)
		}
		out = append(out, json.RawMessage(payload))
		maxID = id
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", q.name, err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", q.name, err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ingest_queue WHERE queue_name = ? AND id <= ?`, q.name, maxID); err != nil {
		return nil, fmt.Errorf("fetch %s: delete: %w", q.name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("fetch %s: commit: %w", q.name, err)
	}
	return out, nil
}

func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	err := q.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingest_queue WHERE queue_name = ?`, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", q.name, err)
	}
	return n, nil
}

func (q *Queue) TimeSinceOldest(ctx context.Context) (time.Duration, error) {
	var at int64
	err := q.store.db.QueryRowContext(ctx,
		`SELECT enqueued_at FROM ingest_queue WHERE queue_name = ? ORDER BY id LIMIT 1`, q.name).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ingest.ErrEmptyQueue
	}
	if err != nil {
		return 0, fmt.Errorf("oldest %s: %w", q.name, err)
	}
	return q.store.now().Sub(time.Unix(0, at)), nil
}
