// Package metrics holds the metric names and tag conventions shared by the worker, the pipeline and the reaper.
package metrics

import (
	"time"

	obserrors "github.com/target/dubbing-api/internal/observability/errors"
	"github.com/target/dubbing-api/internal/observability/statsd"
)

// Result tag values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Metric names.
const (
	TaskTransition = "task.transition"
	TaskDuration   = "task.duration"
	StageDuration  = "pipeline.stage.duration"
	StageOutcome   = "pipeline.stage.result"
	QueueDepth     = "task.queue.depth"
)

// TaskMetric describes one task lifecycle transition (started, completed, failed, rescheduled).
type TaskMetric struct {
	TaskType   string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitTaskLifecycle emits the transition counter and, when a duration is set, its timing.
func EmitTaskLifecycle(sink statsd.Sink, in TaskMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"task_type":  in.TaskType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	addErrorClass(tags, in.Result, in.Err)

	sink.Count(TaskTransition, 1, tags)
	if in.Duration > 0 {
		sink.Timing(TaskDuration, in.Duration, CloneTags(tags))
	}
}

// EmitStage records how long a pipeline stage took and whether it succeeded.
func EmitStage(sink statsd.Sink, stage string, d time.Duration, err error) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	tags := map[string]string{"stage": stage, "result": result}
	addErrorClass(tags, result, err)

	sink.Count(StageOutcome, 1, tags)
	sink.Timing(StageDuration, d, CloneTags(tags))
}

// EmitQueueDepth reports task counts per status.
func EmitQueueDepth(sink statsd.Sink, taskType string, counts map[string]int) {
	if sink == nil {
		return
	}
	for status, n := range counts {
		sink.Gauge(QueueDepth, float64(n), map[string]string{"task_type": taskType, "status": status})
	}
}

func addErrorClass(tags map[string]string, result string, err error) {
	if err == nil || result != ResultError {
		return
	}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
}

// CloneTags returns a shallow copy of src, or nil when src is empty.
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
