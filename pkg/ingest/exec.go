package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
)

// StepOutcome is the result of running one step of a stage.
type StepOutcome struct {
	Output any
	// Continue is false when a collector buffered its input without flushing;
	// the invocation ends there.
	Continue bool
	// Flushed is the number of items a collector fetched and executed.
	Flushed int
}

// Outcome is the result of one stage invocation.
type Outcome struct {
	Stage     int
	Completed bool
	Output    any
	Published bool
	// BufferedAt names the collector that held the input back.
	BufferedAt string
}

type runnerConfig struct {
	logger *log.Logger
}

type RunnerOption func(*runnerConfig)

// WithLogger routes runner logs to l. The default discards them.
func WithLogger(l *log.Logger) RunnerOption {
	return func(c *runnerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// StageRunner executes the stages of one pipeline against an explicit set of
// queues. It holds no buffer state of its own, so any number of runners may
// share a Queues backend.
type StageRunner struct {
	pipeline *Pipeline
	stages   []Stage
	queues   Queues
	logger   *log.Logger
}

func NewStageRunner(p *Pipeline, queues Queues, opts ...RunnerOption) (*StageRunner, error) {
	if p == nil {
		return nil, &ConfigurationError{Reason: "pipeline is required"}
	}
	if queues == nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("pipeline %q: queues are required", p.Name())}
	}
	stages, err := p.Partition()
	if err != nil {
		return nil, err
	}
	cfg := runnerConfig{logger: log.New(io.Discard, "", 0)}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &StageRunner{pipeline: p, stages: stages, queues: queues, logger: cfg.logger}, nil
}

func (r *StageRunner) Pipeline() *Pipeline { return r.pipeline }

// Stages returns the partitioned stages.
func (r *StageRunner) Stages() []Stage {
	out := make([]Stage, len(r.stages))
	copy(out, r.stages)
	return out
}

func (r *StageRunner) Stage(k int) (Stage, error) {
	if k < 0 || k >= len(r.stages) {
		return Stage{}, fmt.Errorf("pipeline %q has %d stages, no stage %d", r.pipeline.Name(), len(r.stages), k)
	}
	return r.stages[k], nil
}

// Bind opens the deployment-scoped cache for a collector.
func (r *StageRunner) Bind(ctx context.Context, step *Step) (*BoundCollector, error) {
	q, err := r.queues.Open(ctx, CollectorCacheName(r.pipeline.ResourceName(), step.Name()))
	if err != nil {
		return nil, fmt.Errorf("open cache for step %q: %w", step.Name(), err)
	}
	return step.Bind(q)
}

func (r *StageRunner) step(stage Stage, i int) (*Step, error) {
	if i < 0 || i >= len(stage.Steps) {
		return nil, fmt.Errorf("stage %d has %d steps, no step %d", stage.Ordinal, len(stage.Steps), i)
	}
	return stage.Steps[i], nil
}

// RunStep runs step i of stage on input. A collector buffers the input and
// only produces output when it is ready and its fetch yields a batch. A
// collector error after buffering is a *FlushError; retry it with Flush, not
// RunStep, or the input is buffered twice.
func (r *StageRunner) RunStep(ctx context.Context, stage Stage, i int, input any) (StepOutcome, error) {
	step, err := r.step(stage, i)
	if err != nil {
		return StepOutcome{}, err
	}
	switch step.Kind() {
	case KindTransformer:
		out, err := step.Execute(ctx, input)
		if err != nil {
			return StepOutcome{}, err
		}
		return StepOutcome{Output: out, Continue: true}, nil

	case KindCollector:
		if err := r.Collect(ctx, stage, i, input); err != nil {
			return StepOutcome{}, err
		}
		return r.Flush(ctx, stage, i)

	default:
		return StepOutcome{}, &ConfigurationError{Step: step.Name(), Reason: "unknown step kind " + step.Kind().String()}
	}
}

// Collect buffers input in collector step i's cache without flushing.
func (r *StageRunner) Collect(ctx context.Context, stage Stage, i int, input any) error {
	step, err := r.step(stage, i)
	if err != nil {
		return err
	}
	if !step.IsCollector() {
		return &ConfigurationError{Step: step.Name(), Reason: "not a collector"}
	}
	bc, err := r.Bind(ctx, step)
	if err != nil {
		return err
	}
	if err := bc.CollectInput(ctx, input); err != nil {
		return fmt.Errorf("step %q: collect input: %w", step.Name(), err)
	}
	return nil
}

// Flush releases a batch from collector step i when it is ready. When the
// batch function fails, the fetched items go back to the cache so a later
// flush sees them again, at the back of the queue with fresh timestamps. A
// permanent failure drops the batch instead; it would fail every flush.
func (r *StageRunner) Flush(ctx context.Context, stage Stage, i int) (StepOutcome, error) {
	step, err := r.step(stage, i)
	if err != nil {
		return StepOutcome{}, err
	}
	if !step.IsCollector() {
		return StepOutcome{}, &ConfigurationError{Step: step.Name(), Reason: "not a collector"}
	}
	fail := func(requeued int, err error) (StepOutcome, error) {
		return StepOutcome{}, &FlushError{Step: step.Name(), Requeued: requeued, Err: err}
	}
	bc, err := r.Bind(ctx, step)
	if err != nil {
		return fail(0, err)
	}
	ready, err := bc.Ready(ctx)
	if err != nil {
		return fail(0, fmt.Errorf("readiness: %w", err))
	}
	if !ready {
		r.logger.Printf("pipeline=%s stage=%d step=%s buffered", r.pipeline.ResourceName(), stage.Ordinal, step.Name())
		return StepOutcome{}, nil
	}
	batch, err := bc.FetchBatch(ctx)
	if err != nil {
		return fail(0, fmt.Errorf("fetch batch: %w", err))
	}
	if len(batch) == 0 {
		// another invocation drained the cache first
		return StepOutcome{}, nil
	}
	out, err := bc.Execute(ctx, batch)
	if err != nil && Permanent(err) {
		r.logger.Printf("pipeline=%s stage=%d step=%s batch dropped=%d", r.pipeline.ResourceName(), stage.Ordinal, step.Name(), len(batch))
		return fail(0, err)
	}
	if err != nil {
		requeued := 0
		for _, item := range batch {
			if qerr := bc.CollectInput(context.WithoutCancel(ctx), item); qerr != nil {
				return fail(requeued, errors.Join(err, fmt.Errorf("return batch to cache: %w", qerr)))
			}
			requeued++
		}
		r.logger.Printf("pipeline=%s stage=%d step=%s flush failed, requeued=%d", r.pipeline.ResourceName(), stage.Ordinal, step.Name(), requeued)
		return fail(requeued, err)
	}
	r.logger.Printf("pipeline=%s stage=%d step=%s flushed=%d", r.pipeline.ResourceName(), stage.Ordinal, step.Name(), len(batch))
	return StepOutcome{Output: out, Continue: true, Flushed: len(batch)}, nil
}

// Publish forwards value to the stage's outbound queue.
func (r *StageRunner) Publish(ctx context.Context, stage Stage, value any) error {
	if !stage.HasOutboundQueue() {
		return fmt.Errorf("stage %d has no outbound queue", stage.Ordinal)
	}
	q, err := r.queues.Open(ctx, stage.OutboundQueue)
	if err != nil {
		return fmt.Errorf("open queue %s: %w", stage.OutboundQueue, err)
	}
	if err := q.QueueData(ctx, value); err != nil {
		return fmt.Errorf("publish to %s: %w", stage.OutboundQueue, err)
	}
	return nil
}

// Invoke runs one invocation of stage. When every step produced output and
// the stage has an outbound queue, the final output is published to it.
func (r *StageRunner) Invoke(ctx context.Context, stage Stage, input any) (Outcome, error) {
	out, err := r.run(ctx, stage, input)
	if err != nil || !out.Completed || !stage.HasOutboundQueue() {
		return out, err
	}
	if err := r.Publish(ctx, stage, out.Output); err != nil {
		return out, err
	}
	out.Published = true
	return out, nil
}

func (r *StageRunner) run(ctx context.Context, stage Stage, input any) (Outcome, error) {
	v := input
	for i, step := range stage.Steps {
		if err := ctx.Err(); err != nil {
			return Outcome{Stage: stage.Ordinal}, err
		}
		res, err := r.RunStep(ctx, stage, i, v)
		if err != nil {
			return Outcome{Stage: stage.Ordinal}, err
		}
		if !res.Continue {
			return Outcome{Stage: stage.Ordinal, BufferedAt: step.Name()}, nil
		}
		v = res.Output
	}
	return Outcome{Stage: stage.Ordinal, Completed: true, Output: v}, nil
}
