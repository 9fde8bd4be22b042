package temporal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"go.temporal.io/sdk/client"
)

// WorkflowStarter is the part of client.Client a Starter uses.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Starter launches stage workflows for trigger events.
type Starter struct {
	client     WorkflowStarter
	deployment *Deployment
	taskQueue  string
}

func NewStarter(c WorkflowStarter, d *Deployment, taskQueue string) (*Starter, error) {
	if c == nil {
		return nil, fmt.Errorf("temporal client is required")
	}
	if d == nil {
		return nil, fmt.Errorf("deployment is required")
	}
	if taskQueue == "" {
		return nil, fmt.Errorf("task queue is required")
	}
	return &Starter{client: c, deployment: d, taskQueue: taskQueue}, nil
}

// Start begins one execution of stage k. The workflow ID is derived from
// hint, usually an object key or queue name, with a unique suffix.
func (s *Starter) Start(ctx context.Context, k int, hint string, input any) (client.WorkflowRun, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input for stage %d: %w", k, err)
	}
	opts := client.StartWorkflowOptions{
		ID:        ingest.ExecutionName(hint),
		TaskQueue: s.taskQueue,
	}
	run, err := s.client.ExecuteWorkflow(ctx, opts, s.deployment.WorkflowName(k), json.RawMessage(payload))
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", s.deployment.WorkflowName(k), err)
	}
	return run, nil
}

// StartObject starts stage 0 for an object event.
func (s *Starter) StartObject(ctx context.Context, ref ingest.ObjectRef) error {
	_, err := s.Start(ctx, 0, ref.Key, ref)
	return err
}

// StartQueued starts the stage consuming queue for one queued message.
func (s *Starter) StartQueued(ctx context.Context, stage ingest.Stage, msg any) error {
	qt, ok := stage.EntryTrigger.(ingest.QueueTrigger)
	if !ok {
		return fmt.Errorf("stage %d is not fed by a queue", stage.Ordinal)
	}
	_, err := s.Start(ctx, stage.Ordinal, qt.QueueName, msg)
	return err
}
