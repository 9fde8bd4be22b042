// Package objectstore turns bucket notifications into stage-0 invocations
// for pipelines whose entry is an ingest.ObjectStorageTrigger.
package objectstore

import (
	"context"
	"errors"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"github.com/developmentseed/ingest-framework/pkg/pipeline/redact"
	"github.com/minio/minio-go/v7/pkg/notification"
)

// Notifier is the subset of *minio.Client the listener needs.
type Notifier interface {
	ListenBucketNotification(ctx context.Context, bucket, prefix, suffix string, events []string) <-chan notification.Info
}

// Handler receives one object event. eventName is the notification's event
// name, e.g. "s3:ObjectCreated:Put".
type Handler func(ctx context.Context, ref ingest.ObjectRef, eventName string) error

// StageHandler invokes stage 0 of runner's pipeline with the object reference.
func StageHandler(runner *ingest.StageRunner) Handler {
	return func(ctx context.Context, ref ingest.ObjectRef, _ string) error {
		stage, err := runner.Stage(0)
		if err != nil {
			return err
		}
		_, err = runner.Invoke(ctx, stage, ref)
		return err
	}
}

type Option func(*Listener)

func WithLogger(l *log.Logger) Option {
	return func(ln *Listener) {
		if l != nil {
			ln.logger = l
		}
	}
}

// WithBackoff bounds the reconnect delay after the notification stream
// drops or reports an error.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(ln *Listener) {
		if initial > 0 {
			ln.minBackoff = initial
		}
		if maxDelay >= ln.minBackoff {
			ln.maxBackoff = maxDelay
		}
	}
}

// Listener subscribes to one bucket and dispatches matching events.
type Listener struct {
	notifier   Notifier
	trigger    ingest.ObjectStorageTrigger
	handle     Handler
	logger     *log.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewListener(n Notifier, trigger ingest.ObjectStorageTrigger, h Handler, opts ...Option) (*Listener, error) {
	if n == nil {
		return nil, errors.New("notifier is required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}
	if trigger.Bucket == "" {
		return nil, errors.New("trigger bucket is required")
	}
	l := &Listener{
		notifier:   n,
		trigger:    trigger,
		handle:     h,
		logger:     log.New(io.Discard, "", 0),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run listens until ctx is done, reconnecting whenever the stream ends.
func (l *Listener) Run(ctx context.Context) error {
	events := l.trigger.EventNames()
	if len(events) == 0 {
		events = []string{ingest.EventObjectCreated}
	}
	l.logger.Printf("listening bucket=%s prefix=%q suffix=%q events=%v",
		l.trigger.Bucket, l.trigger.Filter.Prefix, l.trigger.Filter.Suffix, events)

	sleep := l.minBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		streamCtx, cancel := context.WithCancel(ctx)
		ch := l.notifier.ListenBucketNotification(streamCtx, l.trigger.Bucket,
			l.trigger.Filter.Prefix, l.trigger.Filter.Suffix, events)
		delivered, err := l.drain(streamCtx, ch)
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if delivered > 0 {
			sleep = l.minBackoff
		}
		if err != nil {
			l.logger.Printf("bucket=%s notification stream failed: %s", l.trigger.Bucket, redact.Secrets(err.Error()))
		} else {
			l.logger.Printf("bucket=%s notification stream closed; reconnecting", l.trigger.Bucket)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		if sleep < l.maxBackoff {
			sleep = min(sleep*2, l.maxBackoff)
		}
	}
}

// drain consumes ch until it closes or reports an error.
func (l *Listener) drain(ctx context.Context, ch <-chan notification.Info) (int, error) {
	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return delivered, nil
		case info, ok := <-ch:
			if !ok {
				return delivered, nil
			}
			if info.Err != nil {
				return delivered, info.Err
			}
			for _, rec := range info.Records {
				if l.dispatch(ctx, rec) {
					delivered++
				}
			}
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, rec notification.Event) bool {
	key := rec.S3.Object.Key
	// S3-style notifications carry URL-encoded keys.
	if k, err := url.QueryUnescape(key); err == nil {
		key = k
	}
	ref := ingest.ObjectRef{Bucket: rec.S3.Bucket.Name, Key: key}
	if ref.Bucket == "" {
		ref.Bucket = l.trigger.Bucket
	}
	if !l.trigger.Filter.Match(ref.Key) {
		return false
	}
	if err := l.handle(ctx, ref, rec.EventName); err != nil {
		l.logger.Printf("object=%s event=%s failed: %s", ref, rec.EventName, redact.Secrets(err.Error()))
		return false
	}
	l.logger.Printf("object=%s event=%s dispatched", ref, rec.EventName)
	return true
}
