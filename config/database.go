package config

import (
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"dubbing"`
	Password string `env:"PASSWORD"                envDefault:"dubbing"`
	Name     string `env:"NAME"                    envDefault:"dubbing"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// ConnectRetries is how many times startup re-pings Postgres and Redis before giving up.
	ConnectRetries int `env:"CONNECT_RETRIES" envDefault:"5"`
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration for the job state store.
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

	// JobTTL bounds how long job hashes, logs and replay buffers live after their last write.
	JobTTL time.Duration `env:"JOB_TTL" envDefault:"168h"`

	// ReplayBufferSize is the number of recent events kept per job for "since N" replay.
	ReplayBufferSize int `env:"REPLAY_BUFFER_SIZE" envDefault:"256"`
}

// Sanitize applies guardrails to Redis configuration values.
func (r *RedisConfig) Sanitize() {
	r.URI = strings.TrimSpace(r.URI)
	if r.JobTTL < time.Hour {
		r.JobTTL = time.Hour
	}
	if r.ReplayBufferSize < 0 {
		r.ReplayBufferSize = 0
	}
	if r.ReplayBufferSize > 4096 {
		r.ReplayBufferSize = 4096
	}
}
