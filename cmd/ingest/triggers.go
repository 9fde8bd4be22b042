package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	objtrigger "github.com/developmentseed/ingest-framework/pkg/trigger/objectstore"
	qtrigger "github.com/developmentseed/ingest-framework/pkg/trigger/queue"
)

// triggerSet is every entry trigger of a pipeline, materialized.
type triggerSet struct {
	listeners []*objtrigger.Listener
	pollers   []*qtrigger.Poller
}

type triggerHandlers struct {
	object objtrigger.Handler
	queued func(ingest.Stage) qtrigger.Handler
}

func materializeTriggers(ctx context.Context, stages []ingest.Stage, n objtrigger.Notifier, queues ingest.Queues, h triggerHandlers, logger *log.Logger, interval time.Duration) (*triggerSet, error) {
	set := &triggerSet{}
	for _, st := range stages {
		switch t := st.EntryTrigger.(type) {
		case ingest.ObjectStorageTrigger:
			if n == nil {
				return nil, fmt.Errorf("stage %d listens on bucket %q: MINIO_ENDPOINT is required", st.Ordinal, t.Bucket)
			}
			l, err := objtrigger.NewListener(n, t, h.object, objtrigger.WithLogger(logger))
			if err != nil {
				return nil, fmt.Errorf("stage %d: %w", st.Ordinal, err)
			}
			set.listeners = append(set.listeners, l)
		case ingest.QueueTrigger:
			p, err := qtrigger.NewPoller(ctx, queues, t, h.queued(st), qtrigger.WithLogger(logger), qtrigger.WithInterval(interval))
			if err != nil {
				return nil, fmt.Errorf("stage %d: %w", st.Ordinal, err)
			}
			set.pollers = append(set.pollers, p)
		default:
			return nil, fmt.Errorf("stage %d: unsupported trigger %T", st.Ordinal, st.EntryTrigger)
		}
	}
	return set, nil
}

// run blocks until ctx is done and every trigger has stopped.
func (s *triggerSet) run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := func(run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	for _, l := range s.listeners {
		start(l.Run)
	}
	for _, p := range s.pollers {
		start(p.Run)
	}
	wg.Wait()
	return errors.Join(errs...)
}
