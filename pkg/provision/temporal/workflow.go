// Package temporal deploys a partitioned pipeline onto Temporal. Each stage
// becomes one workflow; every step of the stage runs as an activity, and a
// stage that ends with a collector finishes with a publish activity that
// feeds the next stage's queue.
package temporal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// DefinitionErrorType marks activity failures caused by the pipeline
// definition or a payload of the wrong type. Retrying them cannot succeed.
//
// Other failures are retried. A retried collector step does not buffer its
// input again, and a failed batch is returned to the cache, so items are
// delivered at least once. The publish activity may still send a flushed
// batch twice if it fails after the queue accepted it.
const DefinitionErrorType = "ingest.DefinitionError"

// StepRequest asks the worker to run step Index of stage Stage.
type StepRequest struct {
	Stage int             `json:"stage"`
	Index int             `json:"index"`
	Input json.RawMessage `json:"input"`
}

type StepResult struct {
	Continue bool            `json:"continue"`
	Output   json.RawMessage `json:"output,omitempty"`
	Flushed  int             `json:"flushed,omitempty"`
}

type PublishRequest struct {
	Stage int             `json:"stage"`
	Value json.RawMessage `json:"value"`
}

// StageResult is what a stage workflow returns.
type StageResult struct {
	Stage      int             `json:"stage"`
	Completed  bool            `json:"completed"`
	Published  bool            `json:"published,omitempty"`
	BufferedAt string          `json:"bufferedAt,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// Options tune the activities a stage workflow schedules.
type Options struct {
	// Scope prefixes workflow names, like a stack name.
	Scope               string
	StartToCloseTimeout time.Duration
	MaximumAttempts     int32
}

func (o Options) withDefaults() Options {
	if o.StartToCloseTimeout <= 0 {
		o.StartToCloseTimeout = 15 * time.Minute
	}
	if o.MaximumAttempts <= 0 {
		o.MaximumAttempts = 3
	}
	return o
}

func (o Options) activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: o.StartToCloseTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        o.MaximumAttempts,
			NonRetryableErrorTypes: []string{DefinitionErrorType},
		},
	}
}

// Registry is the registration surface shared by worker.Worker and the
// testsuite environment.
type Registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Deployment binds one pipeline to Temporal names.
type Deployment struct {
	runner *ingest.StageRunner
	stages []ingest.Stage
	opts   Options
}

func NewDeployment(runner *ingest.StageRunner, opts Options) (*Deployment, error) {
	if runner == nil {
		return nil, &ingest.ConfigurationError{Reason: "stage runner is required"}
	}
	return &Deployment{runner: runner, stages: runner.Stages(), opts: opts.withDefaults()}, nil
}

func (d *Deployment) resource() string { return d.runner.Pipeline().ResourceName() }

// WorkflowName is the registered name of stage k's workflow.
func (d *Deployment) WorkflowName(k int) string {
	return ingest.ScopedName(d.opts.Scope, ingest.StageResourceName(d.resource(), k))
}

// RunStepActivity and PublishActivity are qualified by the pipeline so one
// worker can host several pipelines.
func (d *Deployment) RunStepActivity() string { return d.resource() + ".RunStep" }

func (d *Deployment) PublishActivity() string { return d.resource() + ".Publish" }

// Activities returns the step and publish activities bound to the pipeline.
func (d *Deployment) Activities() *Activities { return &Activities{runner: d.runner} }

// Register adds every stage workflow and the shared activities to r.
func (d *Deployment) Register(r Registry) {
	acts := d.Activities()
	r.RegisterActivityWithOptions(acts.RunStep, activity.RegisterOptions{Name: d.RunStepActivity()})
	r.RegisterActivityWithOptions(acts.Publish, activity.RegisterOptions{Name: d.PublishActivity()})
	for _, st := range d.stages {
		r.RegisterWorkflowWithOptions(d.stageWorkflow(st), workflow.RegisterOptions{Name: d.WorkflowName(st.Ordinal)})
	}
}

func (d *Deployment) stageWorkflow(stage ingest.Stage) func(workflow.Context, json.RawMessage) (StageResult, error) {
	return func(ctx workflow.Context, input json.RawMessage) (StageResult, error) {
		logger := workflow.GetLogger(ctx)
		base := d.opts.activityOptions()

		v := input
		for i, step := range stage.Steps {
			ao := base
			ao.ActivityID = fmt.Sprintf("%d_%s", i, ingest.ResourceName(step.Name()))
			var res StepResult
			err := workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, ao), d.RunStepActivity(),
				StepRequest{Stage: stage.Ordinal, Index: i, Input: v}).Get(ctx, &res)
			if err != nil {
				return StageResult{Stage: stage.Ordinal}, err
			}
			if !res.Continue {
				logger.Info("input buffered", "stage", stage.Ordinal, "step", step.Name())
				return StageResult{Stage: stage.Ordinal, BufferedAt: step.Name()}, nil
			}
			v = res.Output
		}

		out := StageResult{Stage: stage.Ordinal, Completed: true, Output: v}
		if !stage.HasOutboundQueue() {
			return out, nil
		}
		ao := base
		ao.ActivityID = ingest.PublishTaskName(stage.OutboundQueue)
		err := workflow.ExecuteActivity(workflow.WithActivityOptions(ctx, ao), d.PublishActivity(),
			PublishRequest{Stage: stage.Ordinal, Value: v}).Get(ctx, nil)
		if err != nil {
			return out, err
		}
		logger.Info("published", "stage", stage.Ordinal, "queue", stage.OutboundQueue)
		out.Published = true
		return out, nil
	}
}
