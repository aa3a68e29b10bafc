package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/data"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/service"
)

func enabledModes(modes ...config.ServiceMode) map[config.ServiceMode]bool {
	enabled := make(map[config.ServiceMode]bool, len(modes))
	for _, mode := range modes {
		enabled[mode] = true
	}
	return enabled
}

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{name: "no services enabled", want: 0},
		{name: "worker only", modes: []config.ServiceMode{config.ServiceModeWorker}, want: 1},
		{
			name:  "worker and watchdog",
			modes: []config.ServiceMode{config.ServiceModeWorker, config.ServiceModeWatchdog},
			want:  2,
		},
		{name: "unknown mode ignored", modes: []config.ServiceMode{"http"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorChannelCapacity(enabledModes(tt.modes...)); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
			if got := errorChannelBufferSize(enabledModes(tt.modes...)); got != tt.want+1 {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want+1)
			}
		})
	}
}

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "watchdog, worker"}
	got := GetEnabledServices(cfg)
	if strings.Join(got, ",") != "worker,watchdog" {
		t.Fatalf("GetEnabledServices() = %v, want [worker watchdog]", got)
	}

	if got := GetEnabledServices(&config.AppConfig{Services: "bogus"}); len(got) != 0 {
		t.Fatalf("GetEnabledServices(bogus) = %v, want empty", got)
	}
	if err := ValidateServiceConfig(&config.AppConfig{Services: "bogus"}); err == nil {
		t.Fatal("ValidateServiceConfig(bogus) returned nil error")
	}
	if err := ValidateServiceConfig(cfg); err != nil {
		t.Fatalf("ValidateServiceConfig() error = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, &config.AppConfig{LogLevel: "warn"})
	logger.Info("hidden")
	logger.Warn("shown", "job_id", "j1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"job_id":"j1"`) {
		t.Fatalf("expected JSON output, got %s", out)
	}

	buf.Reset()
	NewLogger(&buf, &config.AppConfig{IsDev: true, LogLevel: "debug"}).Debug("dev", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("expected text output, got %s", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildRetryPolicy(t *testing.T) {
	immediate := buildRetryPolicy(config.RetryConfig{Policy: "immediate", CopyRelatedEntities: true})
	if p, ok := immediate.(domainjob.ImmediateRetryPolicy); !ok || !p.CopyRelatedEntities {
		t.Fatalf("buildRetryPolicy(immediate) = %#v", immediate)
	}

	exp := buildRetryPolicy(config.RetryConfig{Policy: "exponential", Base: 2, Unit: time.Second})
	p, ok := exp.(*domainjob.ExponentialRetryPolicy)
	if !ok {
		t.Fatalf("buildRetryPolicy(exponential) = %#v", exp)
	}
	if got := p.Delay(2); got != 4*time.Second {
		t.Fatalf("Delay(2) = %v, want 4s", got)
	}
}

func TestBuildDetachedCache(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	local := buildDetachedCache(logger, config.WorkerConfig{SharedDetachedCache: true}, nil)
	if _, ok := local.(*data.LocalDetachedCache); !ok {
		t.Fatalf("without redis expected local cache, got %T", local)
	}

	local = buildDetachedCache(logger, config.WorkerConfig{}, nil)
	if _, ok := local.(*data.LocalDetachedCache); !ok {
		t.Fatalf("expected local cache, got %T", local)
	}
}

func TestBuildEventSink(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sink := buildEventSink(logger, &config.AppConfig{}, nil, ObservabilityContainer{})
	if _, ok := sink.(*service.LoggingEventSink); !ok {
		t.Fatalf("expected only the logging sink, got %T", sink)
	}

	// Events enabled without a client falls back to logging only.
	cfg := &config.AppConfig{Events: config.EventsConfig{Enabled: true}}
	if _, ok := buildEventSink(logger, cfg, nil, ObservabilityContainer{}).(*service.LoggingEventSink); !ok {
		t.Fatal("expected logging sink when redis is unavailable")
	}

	withNotifier := ObservabilityContainer{FailureNotifier: buildFailureNotifier(logger, config.ObservabilityNotificationsConfig{})}
	if _, ok := buildEventSink(logger, &config.AppConfig{}, nil, withNotifier).(*service.LoggingEventSink); !ok {
		t.Fatal("disabled failure notifier must not be wired")
	}
}

func TestLaunchBackground(t *testing.T) {
	ctx := context.Background()
	errCh := make(chan error, 1)
	deps := &serviceStartupDeps{
		ctx:             ctx,
		logger:          slog.Default(),
		enabledServices: enabledModes(config.ServiceModeWorker),
		errCh:           errCh,
	}

	disabled := launchBackground(ctx, deps, backgroundService{
		mode:  config.ServiceModeWatchdog,
		name:  "watchdog",
		start: func(context.Context) error { return nil },
	})
	if disabled != nil {
		t.Fatal("disabled service should not start")
	}

	done := launchBackground(ctx, deps, backgroundService{
		mode:  config.ServiceModeWorker,
		name:  "worker",
		start: func(context.Context) error { return errors.New("boom") },
	})
	<-done

	select {
	case err := <-errCh:
		if !strings.Contains(err.Error(), "worker failed: boom") {
			t.Fatalf("unexpected error %v", err)
		}
	default:
		t.Fatal("expected service error")
	}
}

func TestWaitForShutdown(t *testing.T) {
	t.Run("service error cancels and waits", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		done := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(done)
		}()
		errCh <- errors.New("worker failed")

		err := waitForShutdown(shutdownConfig{
			cancel: cancel,
			errCh:  errCh,
			logger: slog.Default(),
			backgrounds: []backgroundServiceHandle{
				{name: "worker", stopTimeout: time.Second, done: done},
			},
		})
		if err == nil || err.Error() != "worker failed" {
			t.Fatalf("waitForShutdown() error = %v", err)
		}
		if ctx.Err() == nil {
			t.Fatal("service context not cancelled")
		}
	})

	t.Run("signal stops cleanly", func(t *testing.T) {
		quit := make(chan os.Signal, 1)
		quit <- os.Interrupt
		_, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := waitForShutdown(shutdownConfig{quit: quit, cancel: cancel, logger: slog.Default()}); err != nil {
			t.Fatalf("waitForShutdown() error = %v", err)
		}
	})
}
