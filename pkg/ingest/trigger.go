package ingest

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// TriggerKind discriminates the closed set of trigger variants.
type TriggerKind int

const (
	TriggerObjectStorage TriggerKind = iota + 1
	TriggerQueue
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerObjectStorage:
		return "object_storage"
	case TriggerQueue:
		return "queue"
	default:
		return fmt.Sprintf("TriggerKind(%d)", int(k))
	}
}

// Trigger is the source of a stage's input events.
type Trigger interface {
	Kind() TriggerKind
	OutputType() Type
}

// EventObjectCreated matches every object-created notification.
const EventObjectCreated = "s3:ObjectCreated:*"

// ObjectRefType is the declared type of an ObjectRef payload.
var ObjectRefType = NewType("ObjectRef")

// ObjectRef identifies one object in a bucket.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (o ObjectRef) String() string { return o.Bucket + "/" + o.Key }

// ObjectFilter narrows object notifications by key prefix and suffix.
// Empty fields match everything.
type ObjectFilter struct {
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Suffix string `yaml:"suffix,omitempty" json:"suffix,omitempty"`
}

func (f ObjectFilter) Match(key string) bool {
	return strings.HasPrefix(key, f.Prefix) && strings.HasSuffix(key, f.Suffix)
}

// ObjectStorageTrigger fires on object events in a bucket.
type ObjectStorageTrigger struct {
	Bucket string
	Events []string
	Filter ObjectFilter
	Output Type
}

// ObjectCreated returns the object-created trigger, whose events carry ObjectRef.
func ObjectCreated(bucket string, filter ObjectFilter) ObjectStorageTrigger {
	return ObjectStorageTrigger{
		Bucket: bucket,
		Events: []string{EventObjectCreated},
		Filter: filter,
		Output: ObjectRefType,
	}
}

func (t ObjectStorageTrigger) Kind() TriggerKind { return TriggerObjectStorage }

func (t ObjectStorageTrigger) OutputType() Type { return t.Output }

// EventNames returns a copy of the subscribed event names.
func (t ObjectStorageTrigger) EventNames() []string { return slices.Clone(t.Events) }

// QueueTrigger consumes the outbound queue of the previous stage. It is only
// created by Partition; batching settings mirror the upstream collector.
type QueueTrigger struct {
	QueueName         string
	BatchSize         int
	MaxBatchingWindow time.Duration
	Output            Type
}

func (t QueueTrigger) Kind() TriggerKind { return TriggerQueue }

func (t QueueTrigger) OutputType() Type { return t.Output }
