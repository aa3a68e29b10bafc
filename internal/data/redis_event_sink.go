package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/domain/model"
)

const (
	defaultEventChannel   = "jobqueue:events"
	defaultEventStream    = "jobqueue:events:stream"
	defaultStreamMaxLen   = 10000
	defaultPublishTimeout = 2 * time.Second
)

var _ core.EventSink = (*RedisEventSink)(nil)

// RedisEventSinkOptions configures a RedisEventSink.
type RedisEventSinkOptions struct {
	Channel      string        // Pub/Sub channel (default jobqueue:events)
	Stream       string        // Stream key; empty disables the stream
	StreamMaxLen int64         // Approximate stream cap (default 10000)
	Timeout      time.Duration // Per-event deadline (default 2s)
}

// RedisEventSink publishes job state changes on a Redis channel and appends
// them to a capped stream so late consumers can replay recent history.
type RedisEventSink struct {
	client  redis.UniversalClient
	channel string
	stream  string
	maxLen  int64
	timeout time.Duration
}

// redisEvent is the wire form of a state change.
type redisEvent struct {
	JobID      string    `json:"job_id"`
	OriginalID string    `json:"original_job_id,omitempty"`
	Command    string    `json:"command"`
	Args       []string  `json:"args"`
	Queue      string    `json:"queue"`
	OldState   string    `json:"old_state"`
	NewState   string    `json:"new_state"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewRedisEventSink creates a RedisEventSink with defaults applied.
func NewRedisEventSink(client redis.UniversalClient, opts RedisEventSinkOptions) (*RedisEventSink, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	s := &RedisEventSink{
		client:  client,
		channel: opts.Channel,
		stream:  opts.Stream,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.Timeout,
	}
	if s.channel == "" {
		s.channel = defaultEventChannel
	}
	if s.maxLen <= 0 {
		s.maxLen = defaultStreamMaxLen
	}
	if s.timeout <= 0 {
		s.timeout = defaultPublishTimeout
	}
	return s, nil
}

// DefaultEventStream is the stream key used when streaming is enabled without an explicit key.
func DefaultEventStream() string { return defaultEventStream }

// JobStateChanged implements core.EventSink.
func (s *RedisEventSink) JobStateChanged(ctx context.Context, event model.StateChangeEvent) error {
	payload, err := json.Marshal(toRedisEvent(event))
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Publish(ctx, s.channel, payload)
	if s.stream != "" {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{
				"job_id":    event.Job.ID,
				"new_state": string(event.NewState),
				"payload":   payload,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish job event: %w", err)
	}
	return nil
}

func toRedisEvent(event model.StateChangeEvent) redisEvent {
	job := event.Job
	out := redisEvent{
		JobID:      job.ID,
		Command:    job.Command,
		Args:       job.Args,
		Queue:      job.Queue,
		OldState:   string(event.OldState),
		NewState:   string(event.NewState),
		ExitCode:   job.ExitCode,
		OccurredAt: event.OccurredAt,
	}
	if job.IsRetryJob() {
		out.OriginalID = job.OriginalJob().ID
	}
	return out
}
