package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/developmentseed/ingest-framework/internal/config"
	"github.com/developmentseed/ingest-framework/internal/version"
	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"github.com/developmentseed/ingest-framework/pkg/pipeline/io/local"
	"github.com/developmentseed/ingest-framework/pkg/pipeline/redact"
	"github.com/developmentseed/ingest-framework/pkg/pipeline/worker"
	"github.com/developmentseed/ingest-framework/pkg/plan"
	provision "github.com/developmentseed/ingest-framework/pkg/provision/temporal"
	objtrigger "github.com/developmentseed/ingest-framework/pkg/trigger/objectstore"
	qtrigger "github.com/developmentseed/ingest-framework/pkg/trigger/queue"
	"go.temporal.io/sdk/client"
	tworker "go.temporal.io/sdk/worker"
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version", "--version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
		return
	case "plan":
		os.Exit(runPlan(ctx, os.Args[2:]))
	case "local":
		os.Exit(runLocal(ctx, os.Args[2:]))
	case "serve":
		os.Exit(runServe(ctx, os.Args[2:]))
	case "worker":
		os.Exit(runWorker(ctx, os.Args[2:]))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

func fail(code int, what string, err error) int {
	_, _ = fmt.Fprintf(os.Stderr, "%s: %s\n", what, redact.Secrets(err.Error()))
	return code
}

func runPlan(_ context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		return fail(2, "config error", err)
	}

	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	name := fs.String("pipeline", "", "Pipeline to plan")
	scope := fs.String("scope", cfg.Scope, "Prefix for deployed resource names (env: INGEST_SCOPE)")
	outputPath := fs.String("output", "", "Write the plan here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, _, err := openStore(cfg)
	if err != nil {
		return fail(2, "object store error", err)
	}
	p, err := buildPipeline(*name, cfg, store)
	if err != nil {
		return fail(2, "pipeline error", err)
	}
	pl, err := plan.Build(p, *scope)
	if err != nil {
		return fail(2, "plan error", err)
	}

	var w io.Writer = os.Stdout
	if *outputPath != "" {
		f, err := os.Create(*outputPath)
		if err != nil {
			return fail(1, "create output", err)
		}
		defer f.Close()
		w = f
	}
	if err := pl.Encode(w); err != nil {
		return fail(1, "write plan", err)
	}
	return 0
}

func runLocal(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		return fail(2, "config error", err)
	}

	fs := flag.NewFlagSet("local", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	name := fs.String("pipeline", "", "Pipeline to run")
	eventsPath := fs.String("events", "", "JSON-lines file of trigger events, - for stdin")
	workers := fs.Int("workers", cfg.Worker.Workers, "Events replayed concurrently (env: WORKERS)")
	maxRetries := fs.Int("max-retries", cfg.Worker.MaxRetries, "Max retries per event for transient failures (env: MAX_RETRIES)")
	failFast := fs.Bool("fail-fast", cfg.Worker.FailFast, "Stop at the first failed event (env: FAIL_FAST)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *eventsPath == "" {
		_, _ = fmt.Fprintln(os.Stderr, "local requires --events")
		return 2
	}

	var r io.Reader = os.Stdin
	if *eventsPath != "-" {
		f, err := os.Open(*eventsPath)
		if err != nil {
			return fail(2, "open events", err)
		}
		defer f.Close()
		r = f
	}
	events, err := local.ReadEvents(r)
	if err != nil {
		return fail(2, "read events", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	store, _, err := openStore(cfg)
	if err != nil {
		return fail(2, "object store error", err)
	}
	p, err := buildPipeline(*name, cfg, store)
	if err != nil {
		return fail(2, "pipeline error", err)
	}
	queues, closeQueues, err := openQueues(ctx, cfg)
	if err != nil {
		return fail(2, "queue backend error", err)
	}
	defer closeQueues()

	runner, err := ingest.NewLocalRunner(p, queues, ingest.WithLogger(logger))
	if err != nil {
		return fail(2, "runner error", err)
	}
	inputs := make([]any, len(events))
	for i, ev := range events {
		inputs[i] = ev
	}
	policy := worker.FailurePolicyPartialOutput
	if *failFast {
		policy = worker.FailurePolicyFailFast
	}
	results, err := runner.RunAll(ctx, inputs, worker.Options{
		Workers:       *workers,
		MaxRetries:    *maxRetries,
		FailurePolicy: policy,
		Logger:        logger,
	})
	if err != nil {
		return fail(1, "local run failed", err)
	}

	failed := 0
	for i, res := range results {
		switch {
		case res.Err != nil:
			failed++
			logger.Printf("event=%d status=error attempts=%d err=%s", i, res.Attempts, redact.Secrets(res.Err.Error()))
		case res.Output.Completed:
			logger.Printf("event=%d status=completed stage=%d output=%v", i, res.Output.Stage, res.Output.Output)
		default:
			logger.Printf("event=%d status=buffered stage=%d collector=%q", i, res.Output.Stage, res.Output.BufferedAt)
		}
	}
	if failed > 0 {
		_, _ = fmt.Fprintf(os.Stderr, "%d of %d events failed\n", failed, len(results))
		return 1
	}
	return 0
}

// runServe runs every trigger in-process against a StageRunner, with no
// orchestrator in between.
func runServe(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		return fail(2, "config error", err)
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	name := fs.String("pipeline", "", "Pipeline to serve")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	store, mc, err := openStore(cfg)
	if err != nil {
		return fail(2, "object store error", err)
	}
	p, err := buildPipeline(*name, cfg, store)
	if err != nil {
		return fail(2, "pipeline error", err)
	}
	queues, closeQueues, err := openQueues(ctx, cfg)
	if err != nil {
		return fail(2, "queue backend error", err)
	}
	defer closeQueues()

	runner, err := ingest.NewStageRunner(p, queues, ingest.WithLogger(logger))
	if err != nil {
		return fail(2, "runner error", err)
	}
	var n objtrigger.Notifier
	if mc != nil {
		n = mc.Client()
	}
	triggers, err := materializeTriggers(ctx, runner.Stages(), n, queues, triggerHandlers{
		object: objtrigger.StageHandler(runner),
		queued: func(st ingest.Stage) qtrigger.Handler { return qtrigger.StageHandler(runner, st) },
	}, logger, cfg.PollInterval)
	if err != nil {
		return fail(2, "trigger error", err)
	}

	logger.Printf("serving pipeline=%q stages=%d", p.Name(), len(runner.Stages()))
	if err := triggers.run(ctx); err != nil {
		return fail(1, "serve failed", err)
	}
	logger.Printf("shutdown pipeline=%q", p.Name())
	return 0
}

// runWorker hosts the pipeline's stage workflows on Temporal and starts a
// workflow execution for every trigger event.
func runWorker(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		return fail(2, "config error", err)
	}

	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	name := fs.String("pipeline", "", "Pipeline to deploy")
	scope := fs.String("scope", cfg.Scope, "Prefix for workflow names (env: INGEST_SCOPE)")
	taskQueue := fs.String("task-queue", cfg.Temporal.TaskQueue, "Temporal task queue (env: TEMPORAL_TASK_QUEUE)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	store, mc, err := openStore(cfg)
	if err != nil {
		return fail(2, "object store error", err)
	}
	p, err := buildPipeline(*name, cfg, store)
	if err != nil {
		return fail(2, "pipeline error", err)
	}
	queues, closeQueues, err := openQueues(ctx, cfg)
	if err != nil {
		return fail(2, "queue backend error", err)
	}
	defer closeQueues()

	runner, err := ingest.NewStageRunner(p, queues, ingest.WithLogger(logger))
	if err != nil {
		return fail(2, "runner error", err)
	}
	d, err := provision.NewDeployment(runner, provision.Options{
		Scope:           *scope,
		MaximumAttempts: int32(cfg.Worker.MaxRetries + 1),
	})
	if err != nil {
		return fail(2, "deployment error", err)
	}

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fail(1, "temporal dial failed", err)
	}
	defer c.Close()

	starter, err := provision.NewStarter(c, d, *taskQueue)
	if err != nil {
		return fail(2, "starter error", err)
	}
	var n objtrigger.Notifier
	if mc != nil {
		n = mc.Client()
	}
	triggers, err := materializeTriggers(ctx, runner.Stages(), n, queues, triggerHandlers{
		object: func(ctx context.Context, ref ingest.ObjectRef, _ string) error {
			return starter.StartObject(ctx, ref)
		},
		queued: func(st ingest.Stage) qtrigger.Handler {
			return func(ctx context.Context, msg any) error { return starter.StartQueued(ctx, st, msg) }
		},
	}, logger, cfg.PollInterval)
	if err != nil {
		return fail(2, "trigger error", err)
	}

	w := tworker.New(c, *taskQueue, tworker.Options{})
	d.Register(w)
	if err := w.Start(); err != nil {
		return fail(1, "temporal worker failed", err)
	}
	defer w.Stop()

	logger.Printf("worker started pipeline=%q task_queue=%s stages=%d", p.Name(), *taskQueue, len(runner.Stages()))
	for k := range runner.Stages() {
		logger.Printf("registered workflow=%s", d.WorkflowName(k))
	}
	if err := triggers.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fail(1, "trigger failed", err)
	}
	logger.Printf("shutdown pipeline=%q", p.Name())
	return 0
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `ingest %s: declare, plan and run staged ingest pipelines

Usage:
  ingest <command> --pipeline <name> [flags]

Commands:
  plan    Print the deployment plan (stages, queues, workflows) as YAML
  local   Replay a JSON-lines file of trigger events in-process
  serve   Run the pipeline's triggers in-process against the queue backend
  worker  Host stage workflows on Temporal and start them from triggers
  version Print the release version

Pipelines: %v

Examples:
  ingest plan --pipeline stac --scope ingest-dev
  echo '{"bucket":"ingest","key":"inbox/a.json"}' | ingest local --pipeline stac --events -

Environment:
  INGEST_CONFIG         Optional YAML config file
  INGEST_SCOPE          Prefix for deployed resource names
  INGEST_BUCKET         Bucket the pipelines watch
  INGEST_QUEUE_BACKEND  memory, sqlite or postgres
  INGEST_QUEUE_DSN      SQLite path or PostgreSQL DSN (or a file containing it)
  INGEST_LOCAL_ROOT     Directory store root when MINIO_ENDPOINT is unset
  TEMPORAL_HOST_PORT    Temporal frontend (worker)
  TEMPORAL_NAMESPACE    Temporal namespace (worker)
  TEMPORAL_TASK_QUEUE   Temporal task queue (worker)
  MINIO_ENDPOINT        MinIO/S3 endpoint; enables bucket notifications
  MINIO_ACCESS_KEY      MinIO access key
  MINIO_SECRET_KEY      MinIO secret key (or a file containing it)
  GEMINI_API_KEY        Gemini API key (email-enricher)
  GEMINI_MODEL          Gemini model name (email-enricher)

`, version.Current, pipelineNames())
}
