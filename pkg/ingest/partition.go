package ingest

import "slices"

// Stage is a contiguous slice of a pipeline's steps that runs as one
// independently deployed unit. A stage that ends with a Collector forwards the
// collector's output to OutboundQueue.
type Stage struct {
	Ordinal       int
	Steps         []*Step
	EntryTrigger  Trigger
	OutboundQueue string
}

func (s Stage) HasOutboundQueue() bool { return s.OutboundQueue != "" }

// Collector returns the stage's trailing collector, if it has one.
func (s Stage) Collector() (*Step, bool) {
	if len(s.Steps) == 0 {
		return nil, false
	}
	last := s.Steps[len(s.Steps)-1]
	if !last.IsCollector() {
		return nil, false
	}
	return last, true
}

// Partition splits the chain at every Collector. The collector closes its
// stage and names the queue the next stage consumes. Results depend only on
// the pipeline's resource name and its collectors' names, so repeated calls
// yield identical stages.
func (p *Pipeline) Partition() ([]Stage, error) {
	resource := p.ResourceName()

	var stages []Stage
	seen := make(map[string]int)
	entry := p.trigger
	start := 0

	for idx, step := range p.steps {
		if !step.IsCollector() {
			continue
		}
		queue := CollectorQueueName(resource, step.Name())
		if first, ok := seen[queue]; ok {
			return nil, &NamingCollisionError{Queue: queue, First: first, Second: idx}
		}
		seen[queue] = idx

		stages = append(stages, Stage{
			Ordinal:       len(stages),
			Steps:         slices.Clone(p.steps[start : idx+1]),
			EntryTrigger:  entry,
			OutboundQueue: queue,
		})
		start = idx + 1
		if start < len(p.steps) {
			entry = QueueTrigger{
				QueueName:         queue,
				BatchSize:         step.BatchSize(),
				MaxBatchingWindow: step.MaxBatchingWindow(),
				Output:            p.steps[start].Input(),
			}
		}
	}

	if start < len(p.steps) {
		stages = append(stages, Stage{
			Ordinal:      len(stages),
			Steps:        slices.Clone(p.steps[start:]),
			EntryTrigger: entry,
		})
	}
	return stages, nil
}
