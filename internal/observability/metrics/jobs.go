// Package metrics holds the metric names and tag conventions of the job queue.
package metrics

import (
	"time"

	obserrors "github.com/target/mmk-jobqueue/internal/observability/errors"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Queue      string
	Transition string // e.g. "claim", "close", "retry", "cascade"
	State      string // the state reached, when applicable
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"queue":      in.Queue,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.State != "" {
		tags["state"] = in.State
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitQueueDepth emits one gauge per state for queue.
func EmitQueueDepth(sink statsd.Sink, queue string, counts map[string]int) {
	if sink == nil {
		return
	}
	for state, n := range counts {
		sink.Gauge("job.queue_depth", float64(n), map[string]string{"queue": queue, "state": state})
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
