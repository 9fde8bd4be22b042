// Package plan renders a partitioned pipeline as a deployment plan: the
// stages to provision, the queues and caches between them, and the triggers
// that start each stage.
//
// Example (YAML):
//
//	pipeline: My Pipe
//	resource: My_Pipe
//	stages:
//	  - ordinal: 0
//	    name: My_Pipe0
//	    workflow: ingest_my_pipe0
//	    trigger:
//	      kind: object_storage
//	      bucket: landing
//	    outbound_queue: My_Pipe_C1_queue
//	    publish_task: send_to_My_Pipe_C1_queue
package plan

import (
	"bytes"
	"fmt"
	"io"
	"slices"

	"github.com/developmentseed/ingest-framework/pkg/ingest"
	"gopkg.in/yaml.v3"
)

type Plan struct {
	Pipeline     string   `yaml:"pipeline"`
	Resource     string   `yaml:"resource"`
	Scope        string   `yaml:"scope,omitempty"`
	Stages       []Stage  `yaml:"stages"`
	Queues       []string `yaml:"queues,omitempty"`
	Caches       []string `yaml:"caches,omitempty"`
	Requirements []string `yaml:"requirements,omitempty"`
}

type Stage struct {
	Ordinal int    `yaml:"ordinal"`
	Name    string `yaml:"name"`
	// Workflow is the deployed name, scoped and kept under the platform
	// ceiling.
	Workflow      string  `yaml:"workflow"`
	Trigger       Trigger `yaml:"trigger"`
	Steps         []Step  `yaml:"steps"`
	OutboundQueue string  `yaml:"outbound_queue,omitempty"`
	PublishTask   string  `yaml:"publish_task,omitempty"`
}

type Trigger struct {
	Kind              string   `yaml:"kind"`
	Bucket            string   `yaml:"bucket,omitempty"`
	Events            []string `yaml:"events,omitempty"`
	Prefix            string   `yaml:"prefix,omitempty"`
	Suffix            string   `yaml:"suffix,omitempty"`
	Queue             string   `yaml:"queue,omitempty"`
	BatchSize         int      `yaml:"batch_size,omitempty"`
	MaxBatchingWindow string   `yaml:"max_batching_window,omitempty"`
	Output            string   `yaml:"output"`
}

type Step struct {
	Name              string   `yaml:"name"`
	Kind              string   `yaml:"kind"`
	Input             string   `yaml:"input"`
	Output            string   `yaml:"output"`
	Description       string   `yaml:"description,omitempty"`
	BatchSize         int      `yaml:"batch_size,omitempty"`
	MaxBatchingWindow string   `yaml:"max_batching_window,omitempty"`
	Cache             string   `yaml:"cache,omitempty"`
	Requirements      []string `yaml:"requirements,omitempty"`
	EnvVars           []string `yaml:"env_vars,omitempty"`
}

// Build partitions p and names every deployed resource. scope prefixes
// workflow names, like a stack name would.
func Build(p *ingest.Pipeline, scope string) (*Plan, error) {
	if p == nil {
		return nil, &ingest.ConfigurationError{Reason: "pipeline is required"}
	}
	stages, err := p.Partition()
	if err != nil {
		return nil, err
	}
	resource := p.ResourceName()
	out := &Plan{
		Pipeline:     p.Name(),
		Resource:     resource,
		Scope:        scope,
		Requirements: p.Requirements(),
	}
	for _, st := range stages {
		name := ingest.StageResourceName(resource, st.Ordinal)
		ps := Stage{
			Ordinal:       st.Ordinal,
			Name:          name,
			Workflow:      ingest.ScopedName(scope, name),
			Trigger:       describeTrigger(st.EntryTrigger),
			OutboundQueue: st.OutboundQueue,
		}
		if st.HasOutboundQueue() {
			ps.PublishTask = ingest.PublishTaskName(st.OutboundQueue)
			out.Queues = append(out.Queues, st.OutboundQueue)
		}
		for _, step := range st.Steps {
			s := Step{
				Name:         step.Name(),
				Kind:         step.Kind().String(),
				Input:        step.DeclaredInput().String(),
				Output:       step.Output().String(),
				Description:  step.Description(),
				Requirements: step.Requirements(),
				EnvVars:      step.EnvVars(),
			}
			if step.IsCollector() {
				s.BatchSize = step.BatchSize()
				s.MaxBatchingWindow = step.MaxBatchingWindow().String()
				s.Cache = ingest.CollectorCacheName(resource, step.Name())
				out.Caches = append(out.Caches, s.Cache)
			}
			ps.Steps = append(ps.Steps, s)
		}
		out.Stages = append(out.Stages, ps)
	}
	return out, nil
}

func describeTrigger(t ingest.Trigger) Trigger {
	out := Trigger{Kind: t.Kind().String(), Output: t.OutputType().String()}
	switch v := t.(type) {
	case ingest.ObjectStorageTrigger:
		out.Bucket = v.Bucket
		out.Events = v.EventNames()
		out.Prefix = v.Filter.Prefix
		out.Suffix = v.Filter.Suffix
	case *ingest.ObjectStorageTrigger:
		return describeTrigger(*v)
	case ingest.QueueTrigger:
		out.Queue = v.QueueName
		out.BatchSize = v.BatchSize
		out.MaxBatchingWindow = v.MaxBatchingWindow.String()
	case *ingest.QueueTrigger:
		return describeTrigger(*v)
	}
	return out
}

// Stage returns the planned stage with the given ordinal.
func (p *Plan) Stage(ordinal int) (Stage, bool) {
	i := slices.IndexFunc(p.Stages, func(s Stage) bool { return s.Ordinal == ordinal })
	if i < 0 {
		return Stage{}, false
	}
	return p.Stages[i], true
}

// Encode writes the plan as YAML.
func (p *Plan) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encode plan YAML: %w", err)
	}
	return enc.Close()
}

func (p *Plan) YAML() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse reads a plan written by Encode.
func Parse(b []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse plan YAML: %w", err)
	}
	return &p, nil
}
