package config

import (
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"jobqueue"`
	Password string `env:"PASSWORD"                envDefault:"jobqueue"`
	Name     string `env:"NAME"                    envDefault:"jobqueue"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
	MaxOpenConns         int  `env:"MAX_OPEN_CONNS"          envDefault:"20"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	DB                 int      `env:"DB"                   envDefault:"0"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// EventsConfig controls publishing of job state changes to Redis.
type EventsConfig struct {
	Enabled bool   `env:"EVENTS_REDIS_ENABLED" envDefault:"false"`
	Channel string `env:"EVENTS_REDIS_CHANNEL" envDefault:"jobqueue:events"`
	// Stream is the capped stream key; empty disables the stream.
	Stream       string        `env:"EVENTS_REDIS_STREAM"         envDefault:"jobqueue:events:stream"`
	StreamMaxLen int64         `env:"EVENTS_REDIS_STREAM_MAX_LEN" envDefault:"10000"`
	Timeout      time.Duration `env:"EVENTS_REDIS_TIMEOUT"        envDefault:"2s"`
}

// Sanitize applies guardrails to event publishing configuration values.
func (e *EventsConfig) Sanitize() {
	e.Channel = strings.TrimSpace(e.Channel)
	e.Stream = strings.TrimSpace(e.Stream)
	if e.StreamMaxLen < 100 {
		e.StreamMaxLen = 100
	}
	if e.Timeout <= 0 {
		e.Timeout = 2 * time.Second
	}
}
