package failurenotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/notify"
)

var _ core.EventSink = (*Service)(nil)

// errorTailBytes bounds the error output forwarded to sinks.
const errorTailBytes = 2000

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// Severity applied to every payload; defaults to critical.
	Severity string
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger   *slog.Logger
	sinks    []SinkRegistration
	severity string
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{
			Name: name,
			Sink: entry.Sink,
		})
	}

	return &Service{
		logger:   logger,
		sinks:    sinks,
		severity: notify.FallbackString(opts.Severity, notify.SeverityCritical),
	}
}

// JobStateChanged implements core.EventSink. Only root jobs reaching failed
// or terminated are reported; individual retry attempts are not. Delivery
// errors are logged, never returned.
func (s *Service) JobStateChanged(ctx context.Context, event model.StateChangeEvent) error {
	if !s.Enabled() || event.Job == nil || event.Job.IsRetryJob() {
		return nil
	}
	if event.NewState != model.JobStateFailed && event.NewState != model.JobStateTerminated {
		return nil
	}
	s.NotifyJobFailure(ctx, PayloadFor(event))
	return nil
}

// PayloadFor builds the notification payload for a closed root job. Exit
// code and error output come from the last attempt when the root was retried.
func PayloadFor(event model.StateChangeEvent) notify.JobFailurePayload {
	root := event.Job
	last := root
	if retries := root.RetryJobs(); len(retries) > 0 {
		last = retries[len(retries)-1]
	}

	metadata := map[string]string{}
	if last.WorkerName != "" {
		metadata["worker"] = last.WorkerName
	}
	if last != root {
		metadata["last_attempt_id"] = last.ID
	}
	for _, e := range root.RelatedEntities() {
		metadata["related."+e.Type] = e.ID
	}

	return notify.JobFailurePayload{
		JobID:      root.ID,
		Command:    root.Command,
		Args:       root.Args,
		Queue:      root.Queue,
		State:      string(event.NewState),
		ExitCode:   last.ExitCode,
		Attempts:   1 + len(root.RetryJobs()),
		Error:      notify.Tail(last.ErrorOutput, errorTailBytes),
		OccurredAt: event.OccurredAt,
		Metadata:   metadata,
	}
}

// NotifyJobFailure fan-outs the job failure payload to all sinks.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if len(s.sinks) == 0 {
		return
	}

	if payload.Severity == "" {
		payload.Severity = s.severity
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendJobFailure(ctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"command", payload.Command,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}
