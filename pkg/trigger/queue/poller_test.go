package queue_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"github.com/developmentseed/ingest-framework/pkg/pipeline/core"
	trigger "github.com/developmentseed/ingest-framework/pkg/trigger/queue"
)

func fill(t *testing.T, qs ingest.Queues, name string, items ...any) ingest.Queue {
	t.Helper()
	ctx := context.Background()
	q, err := qs.Open(ctx, name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, it := range items {
		if err := q.QueueData(ctx, it); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return q
}

func TestPoller_ReleasesUpToBatchSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	qs := ingest.NewMemoryQueues()
	q := fill(t, qs, "P_C1_queue", "a", "b", "c")

	var got []any
	p, err := trigger.NewPoller(ctx, qs, ingest.QueueTrigger{QueueName: "P_C1_queue", BatchSize: 2, MaxBatchingWindow: time.Hour},
		func(_ context.Context, msg any) error { got = append(got, msg); return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := p.Poll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Poll=%d err=%v want=2", n, err)
	}
	// the remainder goes out on the next pass without waiting for the window
	n, err = p.Poll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("second Poll=%d err=%v want=1", n, err)
	}
	if !slices.Equal(got, []any{"a", "b", "c"}) {
		t.Fatalf("got=%v", got)
	}
	if size, _ := q.Size(ctx); size != 0 {
		t.Fatalf("size=%d want=0", size)
	}
}

func TestPoller_DoesNotWaitForWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	qs := ingest.NewMemoryQueues()
	fill(t, qs, "q", "only")

	var got []any
	p, _ := trigger.NewPoller(ctx, qs, ingest.QueueTrigger{QueueName: "q", BatchSize: 10, MaxBatchingWindow: time.Hour},
		func(_ context.Context, msg any) error { got = append(got, msg); return nil })

	if n, err := p.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("Poll=%d err=%v want=1", n, err)
	}
	if !slices.Equal(got, []any{"only"}) {
		t.Fatalf("got=%v", got)
	}
	if n, _ := p.Poll(ctx); n != 0 {
		t.Fatalf("Poll on empty queue=%d want=0", n)
	}
}

func TestPoller_FailureHandling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	qs := ingest.NewMemoryQueues()
	q := fill(t, qs, "q", "retry", "unreachable", "drop", "ok")

	p, _ := trigger.NewPoller(ctx, qs, ingest.QueueTrigger{QueueName: "q", BatchSize: 4},
		func(_ context.Context, msg any) error {
			switch msg {
			case "retry":
				return &core.TransientError{Err: errors.New("throttled")}
			case "unreachable":
				return errors.New("start workflow: dial tcp 127.0.0.1:7233: connection refused")
			case "drop":
				return &ingest.ConfigurationError{Step: "S", Reason: "bad"}
			}
			return nil
		})

	n, err := p.Poll(ctx)
	if n != 1 {
		t.Fatalf("Poll=%d want=1", n)
	}
	if err == nil || !strings.Contains(err.Error(), "connection refused") || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("err=%v want requeued failures reported", err)
	}
	left, _ := q.Fetch(ctx, 10)
	if !slices.Equal(left, []any{"retry", "unreachable"}) {
		t.Fatalf("requeued=%v want=[retry unreachable]", left)
	}
}

func TestPoller_FeedsNextStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, b, c := ingest.NewType("A"), ingest.NewType("B"), ingest.NewType("C")
	join := ingest.Must(ingest.NewCollector("Join", ingest.SequenceOf(a), b,
		func(_ context.Context, batch []string) (string, error) { return strings.Join(batch, "+"), nil }, 2, time.Hour))
	var (
		mu   sync.Mutex
		seen []string
	)
	sink := ingest.Must(ingest.NewTransformer("Sink", b, c, func(_ context.Context, v string) (string, error) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
		return v, nil
	}))
	p, err := ingest.New("Fan In", ingest.ObjectStorageTrigger{Bucket: "b", Output: a}, join, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	qs := ingest.NewMemoryQueues()
	runner, err := ingest.NewStageRunner(p, qs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stages := runner.Stages()
	entry, ok := stages[1].EntryTrigger.(ingest.QueueTrigger)
	if !ok {
		t.Fatalf("stage 1 entry=%T", stages[1].EntryTrigger)
	}
	poller, err := trigger.NewPoller(ctx, qs, entry, trigger.StageHandler(runner, stages[1]))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, v := range []string{"x", "y"} {
		out, err := runner.Invoke(ctx, stages[0], v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v == "y" && (!out.Completed || !out.Published) {
			t.Fatalf("out=%+v want completed and published", out)
		}
	}
	// one flushed batch runs the next stage right away
	n, err := poller.Poll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Poll=%d err=%v want=1", n, err)
	}
	if !slices.Equal(seen, []string{"x+y"}) {
		t.Fatalf("seen=%v", seen)
	}

	_, _ = runner.Invoke(ctx, stages[0], "z")
	_, _ = runner.Invoke(ctx, stages[0], "w")
	if n, err := poller.Poll(ctx); err != nil || n != 1 {
		t.Fatalf("Poll=%d err=%v want=1", n, err)
	}
	if !slices.Equal(seen, []string{"x+y", "z+w"}) {
		t.Fatalf("seen=%v", seen)
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	qs := ingest.NewMemoryQueues()
	fill(t, qs, "q", 1, 2, 3)

	var (
		mu    sync.Mutex
		count int
	)
	p, _ := trigger.NewPoller(ctx, qs, ingest.QueueTrigger{QueueName: "q", BatchSize: 1},
		func(context.Context, any) error {
			mu.Lock()
			defer mu.Unlock()
			count++
			if count == 3 {
				cancel()
			}
			return nil
		}, trigger.WithInterval(time.Millisecond))

	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v want context.Canceled", err)
	}
	if count != 3 {
		t.Fatalf("count=%d want=3", count)
	}
}

func TestNewPoller_Validates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := func(context.Context, any) error { return nil }
	cases := []struct {
		name string
		qs   ingest.Queues
		trig ingest.QueueTrigger
		h    trigger.Handler
	}{
		{"nil queues", nil, ingest.QueueTrigger{QueueName: "q"}, h},
		{"nil handler", ingest.NewMemoryQueues(), ingest.QueueTrigger{QueueName: "q"}, nil},
		{"no queue name", ingest.NewMemoryQueues(), ingest.QueueTrigger{}, h},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := trigger.NewPoller(ctx, tc.qs, tc.trig, tc.h); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
