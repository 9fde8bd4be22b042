package main

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/developmentseed/ingest-framework/examples/email_enricher/enrich"
	"github.com/developmentseed/ingest-framework/examples/email_enricher/enrich/gemini"
	emailpipeline "github.com/developmentseed/ingest-framework/examples/email_enricher/pipeline"
	"github.com/developmentseed/ingest-framework/examples/stac"
	"github.com/developmentseed/ingest-framework/internal/config"
	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"github.com/developmentseed/ingest-framework/pkg/objectstore"
	"github.com/developmentseed/ingest-framework/pkg/queue/postgres"
	"github.com/developmentseed/ingest-framework/pkg/queue/sqlite"
)

type pipelineFactory func(cfg config.Config, store objectstore.Store) (*ingest.Pipeline, error)

var pipelines = map[string]pipelineFactory{
	"stac": func(cfg config.Config, store objectstore.Store) (*ingest.Pipeline, error) {
		return stac.New(store, stac.Config{Bucket: cfg.Bucket})
	},
	"email-enricher": func(cfg config.Config, store objectstore.Store) (*ingest.Pipeline, error) {
		return emailpipeline.New(store, &lazyEnricher{cfg: gemini.Config{
			APIKey:       cfg.Gemini.APIKey,
			Model:        cfg.Gemini.Model,
			BaseURL:      cfg.Gemini.BaseURL,
			CaptureAudit: cfg.Gemini.CaptureAudit,
		}}, emailpipeline.Config{
			InputBucket: cfg.Bucket,
			Enrich: emailpipeline.Options{
				Workers:        cfg.Worker.Workers,
				MaxRetries:     cfg.Worker.MaxRetries,
				RequestTimeout: cfg.Worker.RequestTimeout,
				RateLimitRPS:   cfg.Worker.RateLimitRPS,
				FailFast:       cfg.Worker.FailFast,
			},
		})
	},
}

func pipelineNames() []string {
	names := make([]string, 0, len(pipelines))
	for name := range pipelines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func buildPipeline(name string, cfg config.Config, store objectstore.Store) (*ingest.Pipeline, error) {
	f, ok := pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q (known: %v)", name, pipelineNames())
	}
	return f(cfg, store)
}

// lazyEnricher creates the Gemini client on first use, so planning or
// buffering never needs GEMINI_API_KEY.
type lazyEnricher struct {
	cfg  gemini.Config
	once sync.Once
	e    *gemini.Enricher
	err  error
}

func (l *lazyEnricher) Enrich(ctx context.Context, email string) (enrich.Result, error) {
	l.once.Do(func() {
		l.e, l.err = gemini.New(context.WithoutCancel(ctx), l.cfg)
	})
	if l.err != nil {
		return enrich.Result{}, l.err
	}
	return l.e.Enrich(ctx, email)
}

// openStore returns MinIO when an endpoint is configured and a directory
// store under LocalRoot otherwise. The MinIO store is also returned on its
// own so callers can subscribe to bucket notifications.
func openStore(cfg config.Config) (objectstore.Store, *objectstore.MinioStore, error) {
	if cfg.ObjectStore.Endpoint == "" {
		s, err := objectstore.NewLocalStore(cfg.LocalRoot)
		return s, nil, err
	}
	s, err := objectstore.NewMinioStore(cfg.ObjectStore)
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

func openQueues(ctx context.Context, cfg config.Config) (ingest.Queues, func(), error) {
	switch cfg.Queue.Backend {
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.Queue.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.BackendPostgres:
		s, err := postgres.Connect(ctx, cfg.Queue.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return ingest.NewMemoryQueues(), func() {}, nil
	}
}
