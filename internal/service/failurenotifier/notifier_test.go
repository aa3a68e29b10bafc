package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/notify"
)

type captureSink struct {
	mu       sync.Mutex
	received []notify.JobFailurePayload
}

func (c *captureSink) registration() SinkRegistration {
	return SinkRegistration{
		Name: "capture",
		Sink: notify.SinkFunc(func(_ context.Context, payload notify.JobFailurePayload) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.received = append(c.received, payload)
			return nil
		}),
	}
}

func rootJob(state model.JobState, retries ...*model.Job) *model.Job {
	job := model.NewJob("app:import", "--feed", "daily")
	job.ID = "root-1"
	job.Hydrate(state, model.Relations{
		RetryJobs:       retries,
		RelatedEntities: []model.RelatedEntity{{Type: "feed", ID: "daily"}},
	})
	for _, r := range retries {
		r.Hydrate(r.State(), model.Relations{OriginalJob: job})
	}
	return job
}

func TestServiceNotifyJobFailure(t *testing.T) {
	capture := &captureSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{capture.registration()}})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123", Command: "mail"})

	if len(capture.received) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(capture.received))
	}
	if capture.received[0].Severity != notify.SeverityCritical {
		t.Fatalf("expected severity to default to critical, got %s", capture.received[0].Severity)
	}
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	if svc.Enabled() {
		t.Fatal("expected Enabled() to be false when no sinks registered")
	}
	job := rootJob(model.JobStateFailed)
	if err := svc.JobStateChanged(context.Background(), model.StateChangeEvent{Job: job, NewState: model.JobStateFailed}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestServiceLogsErrors(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{{
			Name: "fail",
			Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
				return errors.New("boom")
			}),
		}},
	})

	job := rootJob(model.JobStateFailed)
	if err := svc.JobStateChanged(context.Background(), model.StateChangeEvent{Job: job, NewState: model.JobStateFailed}); err != nil {
		t.Fatalf("delivery errors must not surface, got %v", err)
	}
}

func TestJobStateChangedFiltersEvents(t *testing.T) {
	retry := model.NewJob("app:import")
	retry.ID = "retry-1"
	retry.Hydrate(model.JobStateFailed, model.Relations{})
	root := rootJob(model.JobStateFailed, retry)

	tests := []struct {
		name  string
		event model.StateChangeEvent
		want  int
	}{
		{"root failed", model.StateChangeEvent{Job: root, NewState: model.JobStateFailed}, 1},
		{"root terminated", model.StateChangeEvent{Job: root, NewState: model.JobStateTerminated}, 1},
		{"root finished", model.StateChangeEvent{Job: root, NewState: model.JobStateFinished}, 0},
		{"root canceled", model.StateChangeEvent{Job: root, NewState: model.JobStateCanceled}, 0},
		{"retry attempt failed", model.StateChangeEvent{Job: retry, NewState: model.JobStateFailed}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capture := &captureSink{}
			svc := NewService(Options{Sinks: []SinkRegistration{capture.registration()}})
			if err := svc.JobStateChanged(context.Background(), tt.event); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(capture.received) != tt.want {
				t.Fatalf("expected %d notifications, got %d", tt.want, len(capture.received))
			}
		})
	}
}

func TestPayloadForUsesLastAttempt(t *testing.T) {
	code := 2
	retry := model.NewJob("app:import")
	retry.ID = "retry-2"
	retry.ExitCode = &code
	retry.WorkerName = "worker-b"
	retry.ErrorOutput = "disk full"
	retry.Hydrate(model.JobStateFailed, model.Relations{})
	first := model.NewJob("app:import")
	first.ID = "retry-1"
	first.Hydrate(model.JobStateFailed, model.Relations{})
	root := rootJob(model.JobStateFailed, first, retry)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	payload := PayloadFor(model.StateChangeEvent{Job: root, NewState: model.JobStateFailed, OccurredAt: at})

	if payload.JobID != "root-1" || payload.Command != "app:import" || payload.State != "failed" {
		t.Fatalf("unexpected identity fields: %+v", payload)
	}
	if payload.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", payload.Attempts)
	}
	if payload.ExitCode == nil || *payload.ExitCode != 2 || payload.Error != "disk full" {
		t.Fatalf("expected last attempt outcome, got %+v", payload)
	}
	if payload.Metadata["worker"] != "worker-b" || payload.Metadata["last_attempt_id"] != "retry-2" {
		t.Fatalf("unexpected metadata %v", payload.Metadata)
	}
	if payload.Metadata["related.feed"] != "daily" {
		t.Fatalf("expected related entity metadata, got %v", payload.Metadata)
	}
	if !payload.OccurredAt.Equal(at) {
		t.Fatalf("unexpected occurred at %v", payload.OccurredAt)
	}
}
