package ingest_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
)

func TestNew_AcceptsMatchingChain(t *testing.T) {
	t.Parallel()

	t1 := transformer(t, "T1", typeA, typeB)
	t2 := transformer(t, "T2", typeB, typeC)
	p := mustPipeline(t, "Test Create", triggerOf(typeA), t1, t2)

	if p.Name() != "Test Create" || p.ResourceName() != "Test_Create" {
		t.Fatalf("Name=%q ResourceName=%q", p.Name(), p.ResourceName())
	}
	if got := stepNames(p.Steps()); !slices.Equal(got, []string{"T1", "T2"}) {
		t.Fatalf("Steps=%v", got)
	}
}

func TestNew_TypeMismatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		trigger ingest.Trigger
		steps   func(t *testing.T) []*ingest.Step
		want    ingest.TypeMismatchError
		msg     string
	}{
		{
			name:    "empty chain",
			trigger: triggerOf(typeA),
			steps:   func(*testing.T) []*ingest.Step { return nil },
			want:    ingest.TypeMismatchError{Index: -1},
			msg:     "type mismatch: pipeline has no steps",
		},
		{
			name:    "entry mismatch",
			trigger: triggerOf(typeA),
			steps: func(t *testing.T) []*ingest.Step {
				return []*ingest.Step{transformer(t, "T1", typeB, typeC)}
			},
			want: ingest.TypeMismatchError{Index: 0, From: "trigger", To: "T1", Got: typeA, Want: typeB},
			msg:  `type mismatch: step 0 "T1" expects B but trigger produces A`,
		},
		{
			name:    "chain mismatch",
			trigger: triggerOf(typeA),
			steps: func(t *testing.T) []*ingest.Step {
				return []*ingest.Step{
					transformer(t, "T1", typeA, typeB),
					transformer(t, "T2", typeB, typeC),
					transformer(t, "T3", typeD, typeE),
				}
			},
			want: ingest.TypeMismatchError{Index: 2, From: "T2", To: "T3", Got: typeC, Want: typeD},
			msg:  `type mismatch: step 2 "T3" expects D but step 1 "T2" produces C`,
		},
		{
			name:    "entry reported before chain",
			trigger: triggerOf(typeE),
			steps: func(t *testing.T) []*ingest.Step {
				return []*ingest.Step{
					transformer(t, "T1", typeA, typeB),
					transformer(t, "T2", typeD, typeE),
				}
			},
			want: ingest.TypeMismatchError{Index: 0, From: "trigger", To: "T1", Got: typeE, Want: typeA},
			msg:  `type mismatch: step 0 "T1" expects A but trigger produces E`,
		},
		{
			name:    "first chain mismatch wins",
			trigger: triggerOf(typeA),
			steps: func(t *testing.T) []*ingest.Step {
				return []*ingest.Step{
					transformer(t, "T1", typeA, typeB),
					transformer(t, "T2", typeC, typeD),
					transformer(t, "T3", typeA, typeB),
				}
			},
			want: ingest.TypeMismatchError{Index: 1, From: "T1", To: "T2", Got: typeB, Want: typeC},
			msg:  `type mismatch: step 1 "T2" expects C but step 0 "T1" produces B`,
		},
		{
			name:    "collector compared on element type",
			trigger: triggerOf(typeA),
			steps: func(t *testing.T) []*ingest.Step {
				return []*ingest.Step{
					transformer(t, "T1", typeA, ingest.SequenceOf(typeB)),
					collector(t, "C1", typeB, typeC, 10, time.Second),
				}
			},
			want: ingest.TypeMismatchError{Index: 1, From: "T1", To: "C1", Got: ingest.SequenceOf(typeB), Want: typeB},
			msg:  `type mismatch: step 1 "C1" expects B but step 0 "T1" produces list[B]`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := ingest.New("Test", tc.trigger, tc.steps(t)...)
			if p != nil {
				t.Fatalf("expected no pipeline, got %v", p)
			}
			if !errors.Is(err, ingest.ErrTypeMismatch) {
				t.Fatalf("expected type mismatch, got %v", err)
			}
			var tm *ingest.TypeMismatchError
			if !errors.As(err, &tm) {
				t.Fatalf("expected *TypeMismatchError, got %T", err)
			}
			if tm.Index != tc.want.Index || tm.From != tc.want.From || tm.To != tc.want.To ||
				!tm.Got.Equal(tc.want.Got) || !tm.Want.Equal(tc.want.Want) {
				t.Fatalf("error=%#v want=%#v", tm, tc.want)
			}
			if err.Error() != tc.msg {
				t.Fatalf("message=%q want=%q", err.Error(), tc.msg)
			}
		})
	}
}

func TestNew_Configuration(t *testing.T) {
	t.Parallel()

	t1 := transformer(t, "T1", typeA, typeB)
	if _, err := ingest.New("", triggerOf(typeA), t1); !errors.Is(err, ingest.ErrConfiguration) {
		t.Fatalf("empty name: got %v", err)
	}
	if _, err := ingest.New("P", nil, t1); !errors.Is(err, ingest.ErrConfiguration) {
		t.Fatalf("nil trigger: got %v", err)
	}
	if _, err := ingest.New("P", triggerOf(typeA), t1, nil); !errors.Is(err, ingest.ErrConfiguration) {
		t.Fatalf("nil step: got %v", err)
	}
}

// Mirrors the S3 -> STAC round trip: reusing a transformer is fine as long as
// the types line up; swapping the order is not.
func TestNew_ObjectCreatedTrigger(t *testing.T) {
	t.Parallel()

	stacType := ingest.NewType("StacItem")
	toStac, _ := ingest.NewTransformer("S3ToStac", ingest.ObjectRefType, stacType,
		func(_ context.Context, o ingest.ObjectRef) (string, error) { return o.String(), nil })
	toS3, _ := ingest.NewTransformer("StacToS3", stacType, ingest.ObjectRefType,
		func(_ context.Context, s string) (ingest.ObjectRef, error) { return ingest.ObjectRef{Key: s}, nil })
	trigger := ingest.ObjectCreated("fakebucket", ingest.ObjectFilter{Prefix: "inbox", Suffix: ".json"})

	if _, err := ingest.New("TestCreate", trigger, toStac, toS3, toStac); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ingest.New("TestCreate", trigger, toStac, toStac); !errors.Is(err, ingest.ErrTypeMismatch) {
		t.Fatalf("step output mismatch: got %v", err)
	}
	if _, err := ingest.New("TestCreate", trigger, toS3, toStac); !errors.Is(err, ingest.ErrTypeMismatch) {
		t.Fatalf("trigger output mismatch: got %v", err)
	}
}

func TestPipelineRequirements(t *testing.T) {
	t.Parallel()

	t1, _ := ingest.NewTransformer("T1", typeA, typeB, func(_ context.Context, s string) (string, error) { return s, nil },
		ingest.WithRequirements("pystac", "rasterio"))
	t2, _ := ingest.NewTransformer("T2", typeB, typeC, func(_ context.Context, s string) (string, error) { return s, nil },
		ingest.WithRequirements("rasterio", "boto3"))
	p := mustPipeline(t, "P", triggerOf(typeA), t1, t2)
	if got := p.Requirements(); !slices.Equal(got, []string{"pystac", "rasterio", "boto3"}) {
		t.Fatalf("Requirements=%v", got)
	}
}
