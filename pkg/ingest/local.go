package ingest

import (
	"context"
	"errors"

	"github.com/developmentseed/ingest-framework/pkg/pipeline/worker"
)

// LocalRunner runs a whole pipeline in-process. Stages are chained directly:
// a stage's completed output becomes the next stage's input instead of going
// through its outbound queue. Collector caches still come from the Queues it
// was given, so buffered items survive across Run calls.
type LocalRunner struct {
	stages *StageRunner
}

func NewLocalRunner(p *Pipeline, queues Queues, opts ...RunnerOption) (*LocalRunner, error) {
	sr, err := NewStageRunner(p, queues, opts...)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{stages: sr}, nil
}

func (r *LocalRunner) StageRunner() *StageRunner { return r.stages }

// Run feeds one trigger event through the pipeline. The outcome is that of
// the last stage reached: Completed with the pipeline's output, or stopped at
// the collector that buffered the input.
func (r *LocalRunner) Run(ctx context.Context, input any) (Outcome, error) {
	var out Outcome
	v := input
	for _, stage := range r.stages.stages {
		var err error
		out, err = r.stages.run(ctx, stage, v)
		if err != nil || !out.Completed {
			return out, err
		}
		v = out.Output
	}
	return out, nil
}

// RunAll replays many trigger events through Run on a worker pool. Definition
// errors are never retried, and neither are failures after a collector
// buffered the event: the event already sits in the cache and a failed batch
// is returned there, so a retry would only deliver it twice.
func (r *LocalRunner) RunAll(ctx context.Context, inputs []any, opts worker.Options) ([]worker.Result[any, Outcome], error) {
	if opts.Permanent == nil {
		opts.Permanent = func(err error) bool {
			return Permanent(err) || errors.Is(err, ErrInputBuffered)
		}
	}
	return worker.ProcessAll(ctx, inputs, r.Run, opts)
}
