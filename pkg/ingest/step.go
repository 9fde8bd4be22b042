package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/developmentseed/ingest-framework/pkg/pipeline/core"
)

// Kind discriminates the closed set of step variants.
type Kind int

const (
	KindTransformer Kind = iota + 1
	KindCollector
)

func (k Kind) String() string {
	switch k {
	case KindTransformer:
		return "transformer"
	case KindCollector:
		return "collector"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Batching defaults for collectors declared without explicit settings.
const (
	DefaultBatchSize         = 100
	DefaultMaxBatchingWindow = 60 * time.Second
)

// Step is one named unit of work in a pipeline. A Transformer maps one input
// to one output; a Collector buffers inputs and maps a batch to one output.
// Steps are immutable once constructed and own no buffer state.
type Step struct {
	kind Kind
	name string
	in   Type
	out  Type

	run      func(context.Context, any) (any, error)
	runBatch func(context.Context, []any) (any, error)

	batchSize int
	window    time.Duration

	description  string
	requirements []string
	envVars      []string
}

type StepOption func(*Step)

func WithDescription(d string) StepOption {
	return func(s *Step) { s.description = strings.TrimSpace(d) }
}

// WithRequirements records packages the step's deployed code depends on.
func WithRequirements(reqs ...string) StepOption {
	return func(s *Step) { s.requirements = append(s.requirements, reqs...) }
}

// WithEnvVars records environment variables the deployed step expects.
func WithEnvVars(names ...string) StepOption {
	return func(s *Step) { s.envVars = append(s.envVars, names...) }
}

// NewTransformer declares a one-to-one step. The Go types In and Out are the
// runtime shapes of the declared in and out types.
func NewTransformer[In any, Out any](name string, in, out Type, fn func(context.Context, In) (Out, error), opts ...StepOption) (*Step, error) {
	s := &Step{kind: KindTransformer, name: strings.TrimSpace(name), in: in, out: out}
	if err := s.checkIdentity(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, &ConfigurationError{Step: s.name, Reason: "transform function is required"}
	}
	s.run = func(ctx context.Context, v any) (any, error) {
		input, err := decodeValue[In](in, v)
		if err != nil {
			return nil, err
		}
		return fn(ctx, input)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewCollector declares a batching step. in must be SequenceOf(T); In is the
// runtime shape of T. The collector becomes ready once batchSize items are
// buffered or the oldest buffered item is at least window old.
func NewCollector[In any, Out any](name string, in, out Type, fn func(context.Context, []In) (Out, error), batchSize int, window time.Duration, opts ...StepOption) (*Step, error) {
	s := &Step{kind: KindCollector, name: strings.TrimSpace(name), in: in, out: out, batchSize: batchSize, window: window}
	if err := s.checkIdentity(); err != nil {
		return nil, err
	}
	if !in.IsSequence() {
		return nil, &ConfigurationError{Step: s.name, Reason: fmt.Sprintf("collector input must be a sequence type, got %s", in)}
	}
	if batchSize <= 0 {
		return nil, &ConfigurationError{Step: s.name, Reason: fmt.Sprintf("batch size must be > 0, got %d", batchSize)}
	}
	if window <= 0 {
		return nil, &ConfigurationError{Step: s.name, Reason: fmt.Sprintf("max batching window must be > 0, got %s", window)}
	}
	if fn == nil {
		return nil, &ConfigurationError{Step: s.name, Reason: "batch function is required"}
	}
	elem, _ := in.Elem()
	s.runBatch = func(ctx context.Context, batch []any) (any, error) {
		items := make([]In, 0, len(batch))
		for _, v := range batch {
			item, err := decodeValue[In](elem, v)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return fn(ctx, items)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TransformerOf declares a transformer backed by a core.Processor.
func TransformerOf[In any, Out any](name string, in, out Type, p core.Processor[In, Out], opts ...StepOption) (*Step, error) {
	if p == nil {
		return nil, &ConfigurationError{Step: name, Reason: "processor is required"}
	}
	return NewTransformer(name, in, out, p.Process, opts...)
}

// CollectorOf declares a collector backed by a core.BatchProcessor.
func CollectorOf[In any, Out any](name string, in, out Type, p core.BatchProcessor[In, Out], batchSize int, window time.Duration, opts ...StepOption) (*Step, error) {
	if p == nil {
		return nil, &ConfigurationError{Step: name, Reason: "batch processor is required"}
	}
	return NewCollector(name, in, out, p.ProcessBatch, batchSize, window, opts...)
}

// Must panics when a step constructor fails. It is meant for package-level
// pipeline definitions whose arguments are constants.
func Must(s *Step, err error) *Step {
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Step) checkIdentity() error {
	if s.name == "" {
		return &ConfigurationError{Reason: "step name is required"}
	}
	if s.in.IsZero() {
		return &ConfigurationError{Step: s.name, Reason: "input type is required"}
	}
	if s.out.IsZero() {
		return &ConfigurationError{Step: s.name, Reason: "output type is required"}
	}
	return nil
}

func (s *Step) Kind() Kind { return s.kind }
func (s *Step) Name() string { return s.name }
func (s *Step) IsCollector() bool { return s.kind == KindCollector }
func (s *Step) DeclaredInput() Type { return s.in }
func (s *Step) Output() Type { return s.out }
func (s *Step) Description() string { return s.description }
func (s *Step) BatchSize() int { return s.batchSize }
func (s *Step) Requirements() []string { return slices.Clone(s.requirements) }
func (s *Step) EnvVars() []string { return slices.Clone(s.envVars) }

// MaxBatchingWindow is zero for transformers.
func (s *Step) MaxBatchingWindow() time.Duration { return s.window }

// Input is the type of one item the step receives: the declared input for a
// Transformer, the element type of the declared sequence for a Collector.
func (s *Step) Input() Type {
	if s.kind == KindCollector {
		elem, _ := s.in.Elem()
		return elem
	}
	return s.in
}

// Execute runs a Transformer on a single input.
func (s *Step) Execute(ctx context.Context, input any) (any, error) {
	if s.kind != KindTransformer {
		return nil, &ConfigurationError{Step: s.name, Reason: "Execute called on a " + s.kind.String()}
	}
	out, err := s.run(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", s.name, err)
	}
	return out, nil
}

// ExecuteBatch runs a Collector on a fetched batch.
func (s *Step) ExecuteBatch(ctx context.Context, batch []any) (any, error) {
	if s.kind != KindCollector {
		return nil, &ConfigurationError{Step: s.name, Reason: "ExecuteBatch called on a " + s.kind.String()}
	}
	out, err := s.runBatch(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", s.name, err)
	}
	return out, nil
}

// Bind attaches a Collector to the deployment-scoped queue that backs it.
func (s *Step) Bind(q Queue) (*BoundCollector, error) {
	if s.kind != KindCollector {
		return nil, &ConfigurationError{Step: s.name, Reason: "only collectors can be bound to a queue"}
	}
	if q == nil {
		return nil, &ConfigurationError{Step: s.name, Reason: "queue is required"}
	}
	return &BoundCollector{step: s, queue: q}, nil
}

// decodeValue accepts either the step's Go type directly or JSON produced by
// a durable queue or a workflow payload.
func decodeValue[T any](declared Type, v any) (T, error) {
	var zero T
	if t, ok := v.(T); ok {
		return t, nil
	}
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	default:
		return zero, fmt.Errorf("cannot use %T as %s: %w", v, declared, ErrTypeMismatch)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode %s: %w: %w", declared, ErrTypeMismatch, err)
	}
	return out, nil
}
