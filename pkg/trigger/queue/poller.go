// Package queue materializes an ingest.QueueTrigger: it watches the upstream
// stage's outbound queue and hands each message to the consuming stage.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"github.com/developmentseed/ingest-framework/pkg/pipeline/redact"
)

// Handler receives one queued message.
type Handler func(ctx context.Context, msg any) error

// StageHandler invokes stage on runner with each message.
func StageHandler(runner *ingest.StageRunner, stage ingest.Stage) Handler {
	return func(ctx context.Context, msg any) error {
		_, err := runner.Invoke(ctx, stage, msg)
		return err
	}
}

type Option func(*Poller)

func WithLogger(l *log.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithInterval sets how long Run waits after a pass that delivered nothing.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// Poller delivers messages from one queue as soon as they arrive, at most
// BatchSize per pass. Each message is a flushed collector batch, so it is
// never held back for MaxBatchingWindow again.
type Poller struct {
	queue    ingest.Queue
	trigger  ingest.QueueTrigger
	handle   Handler
	logger   *log.Logger
	interval time.Duration
}

func NewPoller(ctx context.Context, queues ingest.Queues, trigger ingest.QueueTrigger, h Handler, opts ...Option) (*Poller, error) {
	if queues == nil {
		return nil, errors.New("queues are required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}
	if trigger.QueueName == "" {
		return nil, errors.New("trigger queue name is required")
	}
	q, err := queues.Open(ctx, trigger.QueueName)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", trigger.QueueName, err)
	}
	p := &Poller{
		queue:    q,
		trigger:  trigger,
		handle:   h,
		logger:   log.New(io.Discard, "", 0),
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Poller) batchSize() int {
	if p.trigger.BatchSize > 0 {
		return p.trigger.BatchSize
	}
	return 1
}

// Poll makes one pass: up to BatchSize waiting messages are fetched and each
// is handed over. A message whose handler fails is put back on the queue
// unless the failure is permanent (a definition or type error), in which
// case it is logged and dropped. It returns the number of messages handled
// successfully.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	batch, err := p.queue.Fetch(ctx, p.batchSize())
	if err != nil {
		return 0, fmt.Errorf("queue %s: fetch: %w", p.trigger.QueueName, err)
	}

	handled := 0
	var errs []error
	for _, msg := range batch {
		err := p.handle(ctx, msg)
		if err == nil {
			handled++
			continue
		}
		if ingest.Permanent(err) {
			p.logger.Printf("queue=%s message dropped: %s", p.trigger.QueueName, redact.Secrets(err.Error()))
			continue
		}
		if qerr := p.queue.QueueData(ctx, msg); qerr != nil {
			errs = append(errs, fmt.Errorf("requeue: %w", qerr))
			continue
		}
		p.logger.Printf("queue=%s message requeued: %s", p.trigger.QueueName, redact.Secrets(err.Error()))
		errs = append(errs, err)
	}
	if len(batch) > 0 {
		p.logger.Printf("queue=%s delivered=%d of %d", p.trigger.QueueName, handled, len(batch))
	}
	return handled, errors.Join(errs...)
}

// Run polls until ctx is done. Errors back off from 500ms up to 5s.
func (p *Poller) Run(ctx context.Context) error {
	const (
		minBackoff = 500 * time.Millisecond
		maxBackoff = 5 * time.Second
	)
	sleep := minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := p.Poll(ctx)
		wait := p.interval
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Printf("queue=%s poll failed: %s", p.trigger.QueueName, redact.Secrets(err.Error()))
			wait = sleep
			if sleep < maxBackoff {
				sleep = min(sleep*2, maxBackoff)
			}
		case n > 0:
			sleep = minBackoff
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
