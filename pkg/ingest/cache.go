package ingest

import (
	"context"
	"sync"
	"time"
)

// Queue is the FIFO buffer contract a Collector needs. BatchCache is the
// in-process realization; pkg/queue holds the durable ones.
type Queue interface {
	// QueueData appends item and records its arrival time.
	QueueData(ctx context.Context, item any) error
	// Fetch removes and returns up to n of the oldest items. An empty queue
	// yields an empty result and no error.
	Fetch(ctx context.Context, n int) ([]any, error)
	Size(ctx context.Context) (int, error)
	// TimeSinceOldest returns ErrEmptyQueue when nothing is buffered.
	TimeSinceOldest(ctx context.Context) (time.Duration, error)
}

// Queues opens named, deployment-scoped queues. Opening the same name twice
// returns handles onto the same buffer.
type Queues interface {
	Open(ctx context.Context, name string) (Queue, error)
}

type cacheEntry struct {
	at   time.Time
	item any
}

// BatchCache is an in-memory Queue.
type BatchCache struct {
	mu    sync.Mutex
	items []cacheEntry
	now   func() time.Time
}

type CacheOption func(*BatchCache)

// WithClock overrides time.Now for arrival stamps and age checks.
func WithClock(now func() time.Time) CacheOption {
	return func(c *BatchCache) {
		if now != nil {
			c.now = now
		}
	}
}

func NewBatchCache(opts ...CacheOption) *BatchCache {
	c := &BatchCache{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *BatchCache) QueueData(ctx context.Context, item any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.items = append(c.items, cacheEntry{at: c.now(), item: item})
	c.mu.Unlock()
	return nil
}

func (c *BatchCache) Fetch(ctx context.Context, n int) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n = min(n, len(c.items))
	if n <= 0 {
		return nil, nil
	}
	out := make([]any, n)
	for i := range n {
		out[i] = c.items[i].item
		c.items[i] = cacheEntry{}
	}
	c.items = c.items[n:]
	if len(c.items) == 0 {
		c.items = nil
	}
	return out, nil
}

func (c *BatchCache) Size(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), nil
}

func (c *BatchCache) TimeSinceOldest(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return 0, ErrEmptyQueue
	}
	return c.now().Sub(c.items[0].at), nil
}

// MemoryQueues hands out BatchCaches keyed by name.
type MemoryQueues struct {
	mu     sync.Mutex
	queues map[string]*BatchCache
	opts   []CacheOption
}

// NewMemoryQueues returns an empty registry; opts apply to every cache it creates.
func NewMemoryQueues(opts ...CacheOption) *MemoryQueues {
	return &MemoryQueues{queues: make(map[string]*BatchCache), opts: opts}
}

func (m *MemoryQueues) Open(ctx context.Context, name string) (Queue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = NewBatchCache(m.opts...)
		m.queues[name] = q
	}
	return q, nil
}

// Names lists the queues opened so far.
func (m *MemoryQueues) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.queues))
	for name := range m.queues {
		out = append(out, name)
	}
	return out
}
