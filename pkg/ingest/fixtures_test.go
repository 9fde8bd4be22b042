package ingest_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
)

var (
	typeA = ingest.NewType("A")
	typeB = ingest.NewType("B")
	typeC = ingest.NewType("C")
	typeD = ingest.NewType("D")
	typeE = ingest.NewType("E")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func triggerOf(out ingest.Type) ingest.Trigger {
	return ingest.ObjectStorageTrigger{
		Bucket: "fakebucket",
		Events: []string{ingest.EventObjectCreated},
		Output: out,
	}
}

// transformer appends ">name" to its string input.
func transformer(t *testing.T, name string, in, out ingest.Type) *ingest.Step {
	t.Helper()
	s, err := ingest.NewTransformer(name, in, out, func(_ context.Context, v string) (string, error) {
		return v + ">" + name, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

// collector joins its batch with commas.
func collector(t *testing.T, name string, elem, out ingest.Type, batchSize int, window time.Duration) *ingest.Step {
	t.Helper()
	s, err := ingest.NewCollector(name, ingest.SequenceOf(elem), out, func(_ context.Context, batch []string) (string, error) {
		return strings.Join(batch, ","), nil
	}, batchSize, window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func mustPipeline(t *testing.T, name string, trigger ingest.Trigger, steps ...*ingest.Step) *ingest.Pipeline {
	t.Helper()
	p, err := ingest.New(name, trigger, steps...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

func stepNames(steps []*ingest.Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Name())
	}
	return out
}
