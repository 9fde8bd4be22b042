package ingest

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MaxNameLength is the ceiling deployed resource names are kept under.
const MaxNameLength = 80

// ResourceName turns a display name into a resource-safe identifier.
func ResourceName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// CollectorQueueName names the outbound queue fed by a collector.
func CollectorQueueName(resource, collector string) string {
	return resource + "_" + ResourceName(collector) + "_queue"
}

// CollectorCacheName names the buffer a deployed collector accumulates into
// between invocations.
func CollectorCacheName(resource, collector string) string {
	return resource + "_" + ResourceName(collector) + "_cache"
}

// StageResourceName names stage k of a pipeline.
func StageResourceName(resource string, k int) string {
	return resource + strconv.Itoa(k)
}

// ScopedName joins scope and name with "_" and lowercases the result. When
// the result would exceed MaxNameLength the tail of scope is cut; name keeps
// its end, which carries the distinguishing stage ordinal, and loses its
// front only when it alone is over the ceiling.
func ScopedName(scope, name string) string {
	limit := max(MaxNameLength-1-len(name), 0)
	if len(scope) > limit {
		scope = scope[:limit]
	}
	out := name
	if scope != "" {
		out = scope + "_" + name
	}
	if len(out) > MaxNameLength {
		out = out[len(out)-MaxNameLength:]
	}
	return strings.ToLower(out)
}

const publishTaskPrefix = "send_to_"

// PublishTaskName names the task that forwards a stage's result to queue. A
// long queue name loses its front so the collector name and "_queue" survive.
func PublishTaskName(queue string) string {
	if limit := MaxNameLength - 1 - len(publishTaskPrefix); len(queue) > limit {
		queue = queue[len(queue)-limit:]
	}
	return publishTaskPrefix + queue
}

// ExecutionName derives a unique execution name from an event identifier
// such as an object key. Slashes become dashes, a random 32-hex suffix is
// appended, and the front is trimmed so the suffix always survives.
func ExecutionName(name string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	out := strings.ReplaceAll(name, "/", "-") + suffix
	if len(out) > MaxNameLength {
		out = out[len(out)-MaxNameLength:]
	}
	return out
}
