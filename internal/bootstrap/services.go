package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/adapters/watchdog"
	"github.com/target/mmk-jobqueue/internal/adapters/worker"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/data"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/observability/notify/pagerduty"
	"github.com/target/mmk-jobqueue/internal/observability/notify/slack"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
	"github.com/target/mmk-jobqueue/internal/service"
	"github.com/target/mmk-jobqueue/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobManager
	Repo          *data.JobRepo
	Notifier      *domainjob.DefaultNotifier
	Detached      core.DetachedCache
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// metrics returns the sink as an interface, nil when metrics are disabled.
func (o ObservabilityContainer) metrics() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "jobqueue",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: cfg.Slack.WebhookURL,
			Channel:    cfg.Slack.Channel,
			Username:   cfg.Slack.Username,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Endpoint:   cfg.PagerDuty.Endpoint,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger: baseLogger.With("component", "failure_notifier"),
		Sinks:  sinks,
	})
}

// buildEventSink combines every configured state change consumer.
func buildEventSink(
	logger *slog.Logger,
	cfg *config.AppConfig,
	client redis.UniversalClient,
	observability ObservabilityContainer,
) core.EventSink {
	sinks := []core.EventSink{service.NewLoggingEventSink(logger)}

	if m := observability.metrics(); m != nil {
		sinks = append(sinks, service.NewMetricsEventSink(m))
	}

	if cfg != nil && cfg.Events.Enabled {
		if client == nil {
			logger.Warn("redis event publishing enabled without a redis client")
		} else {
			redisSink, err := data.NewRedisEventSink(client, data.RedisEventSinkOptions{
				Channel:      cfg.Events.Channel,
				Stream:       cfg.Events.Stream,
				StreamMaxLen: cfg.Events.StreamMaxLen,
				Timeout:      cfg.Events.Timeout,
			})
			if err != nil {
				logger.Error("failed to initialise redis event sink", "error", err)
			} else {
				sinks = append(sinks, redisSink)
			}
		}
	}

	if observability.FailureNotifier != nil && observability.FailureNotifier.Enabled() {
		sinks = append(sinks, observability.FailureNotifier)
	}

	return service.NewFanoutSink(sinks...)
}

// buildRetryPolicy maps retry configuration to a policy.
//
//nolint:ireturn // the policy kind is chosen by configuration.
func buildRetryPolicy(cfg config.RetryConfig) domainjob.RetryPolicy {
	if cfg.Policy == "immediate" {
		return domainjob.ImmediateRetryPolicy{CopyRelatedEntities: cfg.CopyRelatedEntities}
	}
	return domainjob.NewExponentialRetryPolicy(domainjob.ExponentialRetryPolicyOptions{
		Base:                cfg.Base,
		Unit:                cfg.Unit,
		MaxDelay:            cfg.MaxDelay,
		CopyRelatedEntities: cfg.CopyRelatedEntities,
	})
}

// buildDetachedCache shares detached job ids through Redis when configured,
// otherwise every process keeps its own.
//
//nolint:ireturn // cache backend is chosen by configuration.
func buildDetachedCache(logger *slog.Logger, cfg config.WorkerConfig, client redis.UniversalClient) core.DetachedCache {
	if cfg.SharedDetachedCache && client != nil {
		cache, err := data.NewRedisDetachedCache(data.RedisDetachedCacheOptions{
			Client: client,
			TTL:    cfg.DetachedCacheTTL,
		})
		if err == nil {
			return cache
		}
		logger.Error("failed to initialise shared detached cache", "error", err)
	}
	return data.NewLocalDetachedCache(data.LocalDetachedCacheOptions{
		TTL:     cfg.DetachedCacheTTL,
		MaxSize: cfg.DetachedCacheSize,
	})
}

// NewServices wires the job manager and its collaborators.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.AppConfig{}
	}

	observability := buildObservability(logger, cfg.Observability)
	repo := data.NewJobRepo(deps.DB, data.RepoConfig{Logger: logger})

	manager, err := service.NewJobManager(service.JobManagerOptions{
		Store:       repo,
		EventSink:   buildEventSink(logger, cfg, deps.RedisClient, observability),
		RetryPolicy: buildRetryPolicy(cfg.Retry),
		Metrics:     observability.metrics(),
		Logger:      logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create job manager: %w", err)
	}

	notifier, err := domainjob.NewNotifier(domainjob.NotifierOptions{Waiter: repo})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create notifier: %w", err)
	}

	return ServiceContainer{
		Jobs:          manager,
		Repo:          repo,
		Notifier:      notifier,
		Detached:      buildDetachedCache(logger, cfg.Worker, deps.RedisClient),
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains everything RunServicesWithShutdown needs.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode        config.ServiceMode
	name        string
	stopTimeout time.Duration
	start       func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode        config.ServiceMode
	name        string
	stopTimeout time.Duration
	done        <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}
	logger := deps.logger
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode:        svc.mode,
			name:        svc.name,
			stopTimeout: svc.stopTimeout,
			done:        done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	var workerCfg config.WorkerConfig
	var stallThreshold time.Duration
	if deps.cfg.Config != nil {
		workerCfg = deps.cfg.Config.Worker
		stallThreshold = deps.cfg.Config.Watchdog.StallThreshold
	}
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "worker",
		// Running jobs get ShutdownGrace before they are killed and closed.
		stopTimeout: workerCfg.ShutdownGrace + shutdownWaitTimeout,
		start: func(ctx context.Context) error {
			services := deps.cfg.Services
			if services.Jobs == nil {
				return errors.New("job manager is not configured")
			}
			stall, err := domainjob.NewStallPolicy(stallThreshold)
			if err != nil {
				return fmt.Errorf("stall policy: %w", err)
			}
			opts := worker.RunnerOptions{
				Manager:           services.Jobs,
				Config:            workerCfg,
				Logger:            deps.logger,
				Metrics:           services.Observability.metrics(),
				Detached:          services.Detached,
				HeartbeatInterval: stall.HeartbeatInterval(),
			}
			if services.Notifier != nil {
				opts.Notifier = services.Notifier
			}
			runner, err := worker.NewRunner(opts)
			if err != nil {
				return fmt.Errorf("create worker: %w", err)
			}
			return runner.Run(ctx)
		},
	}
}

func newWatchdogBackgroundService(deps *serviceStartupDeps) backgroundService {
	var watchdogCfg config.WatchdogConfig
	if deps.cfg.Config != nil {
		watchdogCfg = deps.cfg.Config.Watchdog
	}
	return backgroundService{
		mode:        config.ServiceModeWatchdog,
		name:        "watchdog",
		stopTimeout: shutdownWaitTimeout,
		start: func(ctx context.Context) error {
			services := deps.cfg.Services
			if services.Jobs == nil {
				return errors.New("job manager is not configured")
			}
			opts := watchdog.RunnerOptions{
				DB:      deps.cfg.DB,
				Closer:  services.Jobs,
				Stats:   services.Jobs,
				Config:  watchdogCfg,
				Logger:  deps.logger,
				Metrics: services.Observability.metrics(),
			}
			if services.Repo != nil {
				opts.Repo = services.Repo
			}
			runner, err := watchdog.NewRunner(opts)
			if err != nil {
				return fmt.Errorf("create watchdog: %w", err)
			}
			return runner.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil || deps.cfg == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newWatchdogBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	return waitForShutdown(shutdownConfig{
		quit:        quit,
		cancel:      cancel,
		errCh:       errCh,
		notifier:    cfg.Services.Notifier,
		logger:      logger,
		backgrounds: backgrounds,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	quit        <-chan os.Signal
	cancel      context.CancelFunc
	errCh       <-chan error
	notifier    *domainjob.DefaultNotifier
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	select {
	case <-cfg.quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services, then stops queue listeners.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc, cfg.logger)
	}
	if cfg.notifier != nil {
		cfg.notifier.StopAll()
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(svc backgroundServiceHandle, logger *slog.Logger) {
	if svc.done == nil {
		return
	}
	timeout := svc.stopTimeout
	if timeout <= 0 {
		timeout = shutdownWaitTimeout
	}
	select {
	case <-svc.done:
		logger.Info(svc.name + " stopped")
	case <-time.After(timeout):
		logger.Warn("timeout waiting for " + svc.name + " to stop")
	}
}
