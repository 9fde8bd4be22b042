package plan_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"github.com/developmentseed/ingest-framework/pkg/plan"
)

var (
	typeA = ingest.NewType("A")
	typeB = ingest.NewType("B")
	typeC = ingest.NewType("C")
)

func identity(name string, in, out ingest.Type, opts ...ingest.StepOption) *ingest.Step {
	return ingest.Must(ingest.NewTransformer(name, in, out,
		func(_ context.Context, v string) (string, error) { return v, nil }, opts...))
}

func batcher(name string, elem, out ingest.Type) *ingest.Step {
	return ingest.Must(ingest.NewCollector(name, ingest.SequenceOf(elem), out,
		func(_ context.Context, b []string) (string, error) { return strings.Join(b, ","), nil }, 10, 30*time.Second))
}

func twoStage(t *testing.T) *ingest.Pipeline {
	t.Helper()
	p, err := ingest.New("My Pipe",
		ingest.ObjectCreated("landing", ingest.ObjectFilter{Prefix: "in/", Suffix: ".json"}),
		identity("Parse", ingest.ObjectRefType, typeA, ingest.WithRequirements("gdal>=3"), ingest.WithEnvVars("STAC_API")),
		batcher("Batch", typeA, typeB),
		identity("Load", typeB, typeC, ingest.WithRequirements("gdal>=3", "psycopg")),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

func TestBuild_TwoStages(t *testing.T) {
	t.Parallel()

	pl, err := plan.Build(twoStage(t), "ingest-dev")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pl.Stages) != 2 {
		t.Fatalf("stages=%d want=2", len(pl.Stages))
	}

	s0, _ := pl.Stage(0)
	if s0.Name != "My_Pipe0" || s0.Workflow != "ingest-dev_my_pipe0" {
		t.Fatalf("stage 0 name=%q workflow=%q", s0.Name, s0.Workflow)
	}
	if s0.Trigger.Kind != "object_storage" || s0.Trigger.Bucket != "landing" || s0.Trigger.Prefix != "in/" || s0.Trigger.Output != "ObjectRef" {
		t.Fatalf("stage 0 trigger=%+v", s0.Trigger)
	}
	if s0.OutboundQueue != "My_Pipe_Batch_queue" || s0.PublishTask != "send_to_My_Pipe_Batch_queue" {
		t.Fatalf("stage 0 queue=%q task=%q", s0.OutboundQueue, s0.PublishTask)
	}
	batch := s0.Steps[1]
	if batch.Kind != "collector" || batch.Input != "list[A]" || batch.BatchSize != 10 || batch.MaxBatchingWindow != "30s" || batch.Cache != "My_Pipe_Batch_cache" {
		t.Fatalf("collector step=%+v", batch)
	}

	s1, _ := pl.Stage(1)
	if s1.Trigger.Kind != "queue" || s1.Trigger.Queue != "My_Pipe_Batch_queue" || s1.Trigger.BatchSize != 10 || s1.Trigger.Output != "B" {
		t.Fatalf("stage 1 trigger=%+v", s1.Trigger)
	}
	if s1.OutboundQueue != "" || s1.PublishTask != "" {
		t.Fatalf("tail stage publishes: %+v", s1)
	}

	if !slices.Equal(pl.Queues, []string{"My_Pipe_Batch_queue"}) || !slices.Equal(pl.Caches, []string{"My_Pipe_Batch_cache"}) {
		t.Fatalf("queues=%v caches=%v", pl.Queues, pl.Caches)
	}
	if !slices.Equal(pl.Requirements, []string{"gdal>=3", "psycopg"}) {
		t.Fatalf("requirements=%v", pl.Requirements)
	}
}

func TestBuild_LongScopeIsTrimmed(t *testing.T) {
	t.Parallel()

	pl, err := plan.Build(twoStage(t), strings.Repeat("s", 120))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, st := range pl.Stages {
		if len(st.Workflow) > ingest.MaxNameLength {
			t.Fatalf("workflow %q has %d chars", st.Workflow, len(st.Workflow))
		}
		if !strings.HasSuffix(st.Workflow, strings.ToLower(st.Name)) {
			t.Fatalf("workflow %q lost stage name %q", st.Workflow, st.Name)
		}
	}
}

func TestBuild_PropagatesCollision(t *testing.T) {
	t.Parallel()

	p, err := ingest.New("P", ingest.ObjectCreated("b", ingest.ObjectFilter{}),
		identity("T", ingest.ObjectRefType, typeA),
		batcher("C", typeA, typeA),
		batcher("C", typeA, typeA),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := plan.Build(p, ""); !errors.Is(err, ingest.ErrNamingCollision) {
		t.Fatalf("err=%v want ErrNamingCollision", err)
	}
}

func TestPlan_YAML(t *testing.T) {
	t.Parallel()

	pl, err := plan.Build(twoStage(t), "ingest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := pl.YAML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"pipeline: My Pipe\n",
		"resource: My_Pipe\n",
		"workflow: ingest_my_pipe1\n",
		"outbound_queue: My_Pipe_Batch_queue\n",
		"max_batching_window: 30s\n",
	} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("YAML missing %q:\n%s", want, b)
		}
	}

	back, err := plan.Parse(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(back.Stages) != 2 || back.Stages[1].Trigger.Queue != "My_Pipe_Batch_queue" {
		t.Fatalf("parsed=%+v", back)
	}
}
