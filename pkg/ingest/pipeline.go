package ingest

import (
	"fmt"
	"slices"
	"strings"
)

// Pipeline is a validated entry trigger plus an ordered chain of steps.
// A *Pipeline only exists if its chain type-checks.
type Pipeline struct {
	name    string
	trigger Trigger
	steps   []*Step
}

// New builds and validates a pipeline. Validation fails fast on the first
// problem: an empty chain, then a trigger/first-step mismatch, then the first
// adjacent pair (scanning left to right) whose types disagree.
func New(name string, trigger Trigger, steps ...*Step) (*Pipeline, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ConfigurationError{Reason: "pipeline name is required"}
	}
	if trigger == nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("pipeline %q has no trigger", name)}
	}
	for i, s := range steps {
		if s == nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("pipeline %q: step %d is nil", name, i)}
		}
	}
	p := &Pipeline{name: name, trigger: trigger, steps: slices.Clone(steps)}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the entry and chain type invariants.
func (p *Pipeline) Validate() error {
	if len(p.steps) == 0 {
		return &TypeMismatchError{Index: -1}
	}
	first := p.steps[0]
	if !p.trigger.OutputType().Equal(first.Input()) {
		return &TypeMismatchError{
			Index: 0,
			From:  "trigger",
			To:    first.Name(),
			Got:   p.trigger.OutputType(),
			Want:  first.Input(),
		}
	}
	for i := 1; i < len(p.steps); i++ {
		prev, next := p.steps[i-1], p.steps[i]
		if !prev.Output().Equal(next.Input()) {
			return &TypeMismatchError{
				Index: i,
				From:  prev.Name(),
				To:    next.Name(),
				Got:   prev.Output(),
				Want:  next.Input(),
			}
		}
	}
	return nil
}

func (p *Pipeline) Name() string { return p.name }

// ResourceName is the name with spaces replaced by underscores.
func (p *Pipeline) ResourceName() string { return ResourceName(p.name) }

func (p *Pipeline) Trigger() Trigger { return p.trigger }

// Steps returns a copy of the step chain.
func (p *Pipeline) Steps() []*Step { return slices.Clone(p.steps) }

// Requirements merges the requirements of every step, first occurrence wins.
func (p *Pipeline) Requirements() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, s := range p.steps {
		for _, r := range s.requirements {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
