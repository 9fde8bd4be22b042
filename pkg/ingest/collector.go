package ingest

import (
	"context"
	"errors"
)

// BoundCollector is a Collector step attached to its deployment-scoped queue.
// Every invocation of the stage that ends in this collector shares the queue.
type BoundCollector struct {
	step  *Step
	queue Queue
}

func (b *BoundCollector) Step() *Step { return b.step }

func (b *BoundCollector) Queue() Queue { return b.queue }

// CollectInput buffers one item, stamped with its arrival time.
func (b *BoundCollector) CollectInput(ctx context.Context, item any) error {
	return b.queue.QueueData(ctx, item)
}

// Ready reports whether a batch should be flushed: the buffer holds at least
// BatchSize items, or its oldest item has waited MaxBatchingWindow. An empty
// buffer is never ready.
func (b *BoundCollector) Ready(ctx context.Context) (bool, error) {
	n, err := b.queue.Size(ctx)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if n >= b.step.batchSize {
		return true, nil
	}
	age, err := b.queue.TimeSinceOldest(ctx)
	if errors.Is(err, ErrEmptyQueue) {
		// drained by a concurrent invocation between Size and here
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return age >= b.step.window, nil
}

// FetchBatch removes and returns up to BatchSize of the oldest items.
func (b *BoundCollector) FetchBatch(ctx context.Context) ([]any, error) {
	return b.queue.Fetch(ctx, b.step.batchSize)
}

// Execute runs the collector's batch transform.
func (b *BoundCollector) Execute(ctx context.Context, batch []any) (any, error) {
	return b.step.ExecuteBatch(ctx, batch)
}
