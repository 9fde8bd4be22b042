package temporal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"github.com/developmentseed/ingest-framework/pkg/pipeline/redact"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
)

// Activities run stage steps on a worker.
type Activities struct {
	runner *ingest.StageRunner
}

func (a *Activities) RunStep(ctx context.Context, req StepRequest) (StepResult, error) {
	logger := activity.GetLogger(ctx)

	stage, err := a.runner.Stage(req.Stage)
	if err != nil {
		return StepResult{}, definitionError(err)
	}
	res, err := a.runStep(ctx, stage, req)
	if err != nil {
		logger.Warn("step failed", "stage", req.Stage, "index", req.Index, "error", redact.Secrets(err.Error()))
		return StepResult{}, classify(err)
	}
	if !res.Continue {
		return StepResult{}, nil
	}
	out, err := json.Marshal(res.Output)
	if err != nil {
		return StepResult{}, definitionError(fmt.Errorf("encode output of stage %d step %d: %w", req.Stage, req.Index, err))
	}
	if res.Flushed > 0 {
		logger.Info("collector flushed", "stage", req.Stage, "index", req.Index, "items", res.Flushed)
	}
	return StepResult{Continue: true, Output: out, Flushed: res.Flushed}, nil
}

// runStep buffers a collector's input at most once per activity: once the
// input is in the cache a heartbeat records it, and a retried attempt only
// flushes.
func (a *Activities) runStep(ctx context.Context, stage ingest.Stage, req StepRequest) (ingest.StepOutcome, error) {
	if req.Index < 0 || req.Index >= len(stage.Steps) || !stage.Steps[req.Index].IsCollector() {
		return a.runner.RunStep(ctx, stage, req.Index, req.Input)
	}
	if !inputCollected(ctx) {
		if err := a.runner.Collect(ctx, stage, req.Index, req.Input); err != nil {
			return ingest.StepOutcome{}, err
		}
		activity.RecordHeartbeat(ctx, true)
	}
	return a.runner.Flush(ctx, stage, req.Index)
}

func inputCollected(ctx context.Context) bool {
	if !activity.HasHeartbeatDetails(ctx) {
		return false
	}
	var collected bool
	return activity.GetHeartbeatDetails(ctx, &collected) == nil && collected
}

func (a *Activities) Publish(ctx context.Context, req PublishRequest) error {
	stage, err := a.runner.Stage(req.Stage)
	if err != nil {
		return definitionError(err)
	}
	if err := a.runner.Publish(ctx, stage, req.Value); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	if ingest.Permanent(err) {
		return definitionError(err)
	}
	return err
}

func definitionError(err error) error {
	return temporal.NewNonRetryableApplicationError(redact.Secrets(err.Error()), DefinitionErrorType, err)
}
