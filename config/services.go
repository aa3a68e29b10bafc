package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the job worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeWatchdog runs stalled job recovery and cleanup.
	ServiceModeWatchdog ServiceMode = "watchdog"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeWatchdog,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeWatchdog:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: worker, watchdog)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// Name identifies this process in claimed jobs; defaults to hostname-pid.
	Name string `env:"WORKER_NAME"`

	// Concurrency is the number of jobs run at once.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// CommandPrefix is prepended to every job command, e.g. "/opt/app/bin/console,--env=prod".
	CommandPrefix []string `env:"WORKER_COMMAND_PREFIX"`

	// Queues restricts the worker to these queues; empty serves all.
	Queues []string `env:"WORKER_QUEUES"`

	// ExcludedQueues are never served by this worker.
	ExcludedQueues []string `env:"WORKER_EXCLUDED_QUEUES"`

	// PollInterval bounds the idle wait when no notification arrives.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`

	// MaxRuntime kills jobs running longer than this; 0 disables the limit.
	MaxRuntime time.Duration `env:"WORKER_MAX_RUNTIME" envDefault:"0s"`

	// ShutdownGrace is how long running jobs may finish after shutdown starts.
	ShutdownGrace time.Duration `env:"WORKER_SHUTDOWN_GRACE" envDefault:"30s"`

	// MaxOutputBytes caps the output kept per stream.
	MaxOutputBytes int `env:"WORKER_MAX_OUTPUT_BYTES" envDefault:"1048576"`

	// SharedDetachedCache keeps detached job ids in Redis for all workers.
	SharedDetachedCache bool          `env:"WORKER_SHARED_DETACHED_CACHE" envDefault:"false"`
	DetachedCacheTTL    time.Duration `env:"WORKER_DETACHED_CACHE_TTL"    envDefault:"1h"`
	// DetachedCacheSize caps the process-local cache used without Redis.
	DetachedCacheSize int `env:"WORKER_DETACHED_CACHE_SIZE" envDefault:"10000"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.PollInterval < 100*time.Millisecond {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.MaxRuntime < 0 {
		w.MaxRuntime = 0
	}
	if w.ShutdownGrace < 0 {
		w.ShutdownGrace = 0
	}
	if w.MaxOutputBytes < 1024 {
		w.MaxOutputBytes = 1024
	}
	w.CommandPrefix = trimAll(w.CommandPrefix)
	w.Queues = trimAll(w.Queues)
	w.ExcludedQueues = trimAll(w.ExcludedQueues)
}

// WatchdogConfig contains watchdog service configuration.
type WatchdogConfig struct {
	// Interval is the watchdog tick interval.
	Interval time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"1m"`

	// StallThreshold is how long a running job may go without a heartbeat
	// before it is terminated.
	StallThreshold time.Duration `env:"WATCHDOG_STALL_THRESHOLD" envDefault:"5m"`

	// PendingMaxAge cancels pending jobs older than this. 0 disables.
	PendingMaxAge time.Duration `env:"WATCHDOG_PENDING_MAX_AGE" envDefault:"0s"`

	// FinishedMaxAge is the age at which finished and canceled jobs are deleted.
	FinishedMaxAge time.Duration `env:"WATCHDOG_FINISHED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the age at which failed and terminated jobs are deleted.
	FailedMaxAge time.Duration `env:"WATCHDOG_FAILED_MAX_AGE" envDefault:"720h"` // 30 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"WATCHDOG_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to watchdog configuration values.
func (w *WatchdogConfig) Sanitize() {
	if w.Interval < 5*time.Second {
		w.Interval = 5 * time.Second
	}
	if w.StallThreshold < 3*time.Second {
		w.StallThreshold = 3 * time.Second
	}
	if w.PendingMaxAge < 0 {
		w.PendingMaxAge = 0
	} else if w.PendingMaxAge > 0 && w.PendingMaxAge < 5*time.Minute {
		w.PendingMaxAge = 5 * time.Minute
	}
	if w.FinishedMaxAge < time.Hour {
		w.FinishedMaxAge = time.Hour
	}
	if w.FailedMaxAge < time.Hour {
		w.FailedMaxAge = time.Hour
	}

	if w.BatchSize < 1 {
		w.BatchSize = 1
	}
	if w.BatchSize > 10000 {
		w.BatchSize = 10000
	}
}

// RetryConfig selects how retry attempts are scheduled.
type RetryConfig struct {
	// Policy is "immediate" or "exponential".
	Policy string `env:"RETRY_POLICY" envDefault:"exponential"`

	Base     float64       `env:"RETRY_BASE"      envDefault:"5"`
	Unit     time.Duration `env:"RETRY_UNIT"      envDefault:"1s"`
	MaxDelay time.Duration `env:"RETRY_MAX_DELAY" envDefault:"1h"`

	// CopyRelatedEntities tags retry attempts with their root's related entities.
	CopyRelatedEntities bool `env:"RETRY_COPY_RELATED_ENTITIES" envDefault:"true"`
}

// Sanitize applies guardrails to retry configuration values.
func (r *RetryConfig) Sanitize() {
	r.Policy = strings.ToLower(strings.TrimSpace(r.Policy))
	if r.Policy != "immediate" {
		r.Policy = "exponential"
	}
	if r.Base < 1 {
		r.Base = 1
	}
	if r.Unit <= 0 {
		r.Unit = time.Second
	}
	if r.MaxDelay < 0 {
		r.MaxDelay = 0
	}
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
