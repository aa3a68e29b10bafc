package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
)

var (
	_ core.EventSink = FanoutSink(nil)
	_ core.EventSink = (*LoggingEventSink)(nil)
	_ core.EventSink = (*MetricsEventSink)(nil)
)

// FanoutSink delivers every event to each of its sinks in order. All sinks are
// called even if one fails; the errors are joined.
type FanoutSink []core.EventSink

// NewFanoutSink drops nil sinks and returns nil when none remain.
func NewFanoutSink(sinks ...core.EventSink) core.EventSink {
	out := make(FanoutSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

// JobStateChanged implements core.EventSink.
func (f FanoutSink) JobStateChanged(ctx context.Context, event model.StateChangeEvent) error {
	var errs []error
	for _, s := range f {
		if err := s.JobStateChanged(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoggingEventSink writes one structured log line per state change.
type LoggingEventSink struct {
	logger *slog.Logger
}

// NewLoggingEventSink creates a LoggingEventSink. A nil logger uses slog.Default().
func NewLoggingEventSink(logger *slog.Logger) *LoggingEventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingEventSink{logger: logger.With("component", "job_events")}
}

// JobStateChanged implements core.EventSink.
func (s *LoggingEventSink) JobStateChanged(ctx context.Context, event model.StateChangeEvent) error {
	level := slog.LevelInfo
	if event.NewState == model.JobStateFailed || event.NewState == model.JobStateTerminated {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "job state changed",
		"job_id", event.Job.ID,
		"command", event.Job.Command,
		"queue", event.Job.Queue,
		"retry", event.Job.IsRetryJob(),
		"old_state", event.OldState,
		"new_state", event.NewState,
	)
	return nil
}

// MetricsEventSink counts state changes and records time spent running.
type MetricsEventSink struct {
	sink statsd.Sink
}

// NewMetricsEventSink creates a MetricsEventSink. A nil sink makes it a no-op.
func NewMetricsEventSink(sink statsd.Sink) *MetricsEventSink {
	return &MetricsEventSink{sink: sink}
}

// JobStateChanged implements core.EventSink.
func (s *MetricsEventSink) JobStateChanged(_ context.Context, event model.StateChangeEvent) error {
	if s.sink == nil {
		return nil
	}
	tags := map[string]string{
		"queue": event.Job.Queue,
		"from":  string(event.OldState),
		"to":    string(event.NewState),
	}
	s.sink.Count("job.state_change", 1, tags)

	job := event.Job
	if event.NewState.IsFinal() && job.StartedAt != nil && job.ClosedAt != nil {
		s.sink.Timing("job.run_time", job.ClosedAt.Sub(*job.StartedAt), map[string]string{
			"queue": job.Queue,
			"state": string(event.NewState),
		})
	}
	return nil
}
