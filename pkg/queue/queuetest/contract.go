// Package queuetest holds the behavioral contract every ingest.Queues
// implementation must satisfy.
package queuetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory returns a Queues backend whose arrival stamps come from now.
type Factory func(t *testing.T, now func() time.Time) ingest.Queues

type item struct {
	N int `json:"n"`
}

// decode normalizes items that a durable queue hands back as JSON.
func decode(t *testing.T, v any) item {
	t.Helper()
	switch x := v.(type) {
	case item:
		return x
	case json.RawMessage:
		var out item
		if err := json.Unmarshal(x, &out); err != nil {
			t.Fatalf("decode %s: %v", x, err)
		}
		return out
	default:
		t.Fatalf("unexpected item type %T", v)
		return item{}
	}
}

// Run exercises FIFO order, fetch bounds, sizing, arrival ages, and name
// isolation against the backend built by newQueues.
func Run(t *testing.T, newQueues Factory) {
	t.Helper()

	open := func(t *testing.T, qs ingest.Queues, name string) ingest.Queue {
		t.Helper()
		q, err := qs.Open(context.Background(), name)
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		return q
	}
	unique := func(base string) string {
		return fmt.Sprintf("%s_%d", base, time.Now().UnixNano())
	}

	t.Run("fifo", func(t *testing.T) {
		ctx := context.Background()
		q := open(t, newQueues(t, time.Now), unique("fifo"))
		for i := 1; i <= 5; i++ {
			if err := q.QueueData(ctx, item{N: i}); err != nil {
				t.Fatalf("QueueData: %v", err)
			}
		}
		got, err := q.Fetch(ctx, 5)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(got) != 5 {
			t.Fatalf("fetched=%d want=5", len(got))
		}
		for i, v := range got {
			if n := decode(t, v).N; n != i+1 {
				t.Fatalf("item %d n=%d want=%d", i, n, i+1)
			}
		}
		if n, _ := q.Size(ctx); n != 0 {
			t.Fatalf("size=%d want=0", n)
		}
	})

	t.Run("fetch bounds", func(t *testing.T) {
		ctx := context.Background()
		q := open(t, newQueues(t, time.Now), unique("bounds"))
		got, err := q.Fetch(ctx, 3)
		if err != nil || len(got) != 0 {
			t.Fatalf("empty Fetch=%v err=%v", got, err)
		}
		for i := 1; i <= 3; i++ {
			_ = q.QueueData(ctx, item{N: i})
		}
		got, _ = q.Fetch(ctx, 2)
		if len(got) != 2 || decode(t, got[0]).N != 1 || decode(t, got[1]).N != 2 {
			t.Fatalf("Fetch(2)=%v", got)
		}
		got, _ = q.Fetch(ctx, 0)
		if len(got) != 0 {
			t.Fatalf("Fetch(0)=%v", got)
		}
		got, _ = q.Fetch(ctx, 10)
		if len(got) != 1 || decode(t, got[0]).N != 3 {
			t.Fatalf("Fetch(10)=%v", got)
		}
	})

	t.Run("time since oldest", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		q := open(t, newQueues(t, clock.Now), unique("age"))
		if _, err := q.TimeSinceOldest(ctx); !errors.Is(err, ingest.ErrEmptyQueue) {
			t.Fatalf("expected ErrEmptyQueue, got %v", err)
		}
		_ = q.QueueData(ctx, item{N: 1})
		clock.Advance(10 * time.Second)
		_ = q.QueueData(ctx, item{N: 2})
		clock.Advance(5 * time.Second)

		age, err := q.TimeSinceOldest(ctx)
		if err != nil {
			t.Fatalf("TimeSinceOldest: %v", err)
		}
		if age != 15*time.Second {
			t.Fatalf("age=%s want=15s", age)
		}
		_, _ = q.Fetch(ctx, 1)
		age, _ = q.TimeSinceOldest(ctx)
		if age != 5*time.Second {
			t.Fatalf("age after fetch=%s want=5s", age)
		}
	})

	t.Run("names are isolated", func(t *testing.T) {
		ctx := context.Background()
		qs := newQueues(t, time.Now)
		a := open(t, qs, unique("iso_a"))
		b := open(t, qs, unique("iso_b"))
		_ = a.QueueData(ctx, item{N: 1})
		if n, _ := b.Size(ctx); n != 0 {
			t.Fatalf("size of b=%d want=0", n)
		}
		if n, _ := a.Size(ctx); n != 1 {
			t.Fatalf("size of a=%d want=1", n)
		}
	})

	t.Run("same name shares buffer", func(t *testing.T) {
		ctx := context.Background()
		qs := newQueues(t, time.Now)
		name := unique("shared")
		a := open(t, qs, name)
		b := open(t, qs, name)
		_ = a.QueueData(ctx, item{N: 7})
		got, _ := b.Fetch(ctx, 1)
		if len(got) != 1 || decode(t, got[0]).N != 7 {
			t.Fatalf("Fetch via second handle=%v", got)
		}
	})

	t.Run("concurrent fetch delivers once", func(t *testing.T) {
		ctx := context.Background()
		q := open(t, newQueues(t, time.Now), unique("race"))
		const total = 40
		for i := 1; i <= total; i++ {
			_ = q.QueueData(ctx, item{N: i})
		}
		var mu sync.Mutex
		var fetched []any
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					got, err := q.Fetch(ctx, 3)
					if err != nil {
						t.Errorf("Fetch: %v", err)
						return
					}
					if len(got) == 0 {
						return
					}
					mu.Lock()
					fetched = append(fetched, got...)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		seen := make(map[int]int)
		for _, v := range fetched {
			seen[decode(t, v).N]++
		}
		if len(seen) != total {
			t.Fatalf("distinct items=%d want=%d", len(seen), total)
		}
		for n, c := range seen {
			if c != 1 {
				t.Fatalf("item %d delivered %d times", n, c)
			}
		}
	})
}
