package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-jobqueue/config"
	"github.com/target/mmk-jobqueue/internal/bootstrap"
	"github.com/target/mmk-jobqueue/internal/core"
	"github.com/target/mmk-jobqueue/internal/service"
)

var errRedisNotConfigured = errors.New("redis not configured")

// jobDeps is everything the job commands operate on.
type jobDeps struct {
	Store    core.JobStore
	Watchdog core.WatchdogRepository
	Manager  *service.JobManager
	Detached core.DetachedCache
	close    func() error
}

// Close releases the underlying connections.
func (d *jobDeps) Close() error {
	if d == nil || d.close == nil {
		return nil
	}
	return d.close()
}

// openJobDeps connects Postgres (and Redis when a feature needs it) and wires
// the job manager the same way the service does.
func openJobDeps(cmdCtx *commandContext) (*jobDeps, error) {
	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config, cmdCtx.Config.NeedsRedis())
	if err != nil {
		return nil, err
	}

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return nil, errors.Join(err, closeInfra(db, redisClient))
	}

	return &jobDeps{
		Store:    services.Repo,
		Watchdog: services.Repo,
		Manager:  services.Jobs,
		Detached: services.Detached,
		close:    func() error { return closeInfra(db, redisClient) },
	}, nil
}

// connectInfra wires up infrastructure dependencies based on CLI options.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func connectInfra(logger *slog.Logger, cfg *config.AppConfig, wantRedis bool) (*sql.DB, redis.UniversalClient, error) {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, Logger: logger})
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	if !wantRedis {
		return db, nil, nil
	}

	redisClient, err := maybeConnectRedis(logger, &cfg.Redis)
	switch {
	case err == nil:
		return db, redisClient, nil
	case errors.Is(err, errRedisNotConfigured):
		logger.Info("no redis configuration detected; skipping redis connection")
		return db, nil, nil
	default:
		if closeErr := db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close db: %w", closeErr))
		}
		return nil, nil, err
	}
}

// maybeConnectRedis returns a connected client when configuration is present.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func maybeConnectRedis(logger *slog.Logger, cfg *config.RedisConfig) (redis.UniversalClient, error) {
	if !hasRedisConfig(cfg) {
		return nil, errRedisNotConfigured
	}
	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: *cfg, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func hasRedisConfig(cfg *config.RedisConfig) bool {
	if cfg == nil {
		return false
	}
	if cfg.UseCluster {
		return len(cfg.ClusterNodes) > 0 || cfg.URI != ""
	}
	if cfg.UseSentinel {
		return len(cfg.SentinelNodes) > 0
	}
	return cfg.URI != ""
}

func closeInfra(db *sql.DB, redisClient redis.UniversalClient) error {
	var closeErr error
	if db != nil {
		if err := db.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}
