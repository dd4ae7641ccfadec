package config

import (
	"strings"
	"time"
)

// QueueDriver selects where jobs, history and snapshots are stored.
type QueueDriver string

const (
	QueueDriverPostgres QueueDriver = "postgres"
	// QueueDriverMemory keeps all engine state in process. Intended for development.
	QueueDriverMemory QueueDriver = "memory"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"etl"`
	Password string `env:"PASSWORD" envDefault:"etl"`
	Name     string `env:"NAME"     envDefault:"etl"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"`

	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"     envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"     envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME"  envDefault:"5m"`
	ConnMaxIdleTime time.Duration `env:"CONN_MAX_IDLE_TIME" envDefault:"1m"`

	// ConnectRetries is how many extra pings ConnectDB makes while the
	// server is starting. The wait doubles from ConnectBackoff each time.
	ConnectRetries int           `env:"CONNECT_RETRIES" envDefault:"5"`
	ConnectBackoff time.Duration `env:"CONNECT_BACKOFF" envDefault:"500ms"`

	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	Enabled            bool     `env:"ENABLED"              envDefault:"true"`
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

// CacheConfig controls what is cached in Redis.
type CacheConfig struct {
	// TransformTTL is how long custom transformation definitions stay cached.
	TransformTTL time.Duration `env:"CACHE_TRANSFORM_TTL" envDefault:"10m"`
	KeyPrefix    string        `env:"CACHE_KEY_PREFIX"    envDefault:"etl:"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.TransformTTL < 0 {
		c.TransformTTL = 0
	}
	c.KeyPrefix = strings.TrimSpace(c.KeyPrefix)
}

// TargetDriver names a registered target store backend.
type TargetDriver string

const (
	TargetDriverPostgres  TargetDriver = "postgres"
	TargetDriverSQLite    TargetDriver = "sqlite"
	TargetDriverSQLServer TargetDriver = "sqlserver"
)

// TargetConfig selects the database loads are written into.
type TargetConfig struct {
	Driver TargetDriver `env:"TARGET_DRIVER" envDefault:"postgres"`
	// DSN of the target database. Empty with the postgres driver reuses the queue database.
	DSN          string `env:"TARGET_DSN"`
	MaxOpenConns int    `env:"TARGET_MAX_OPEN_CONNS" envDefault:"10"`
}

// Sanitize normalises the target configuration.
func (c *TargetConfig) Sanitize() {
	c.Driver = TargetDriver(strings.ToLower(strings.TrimSpace(string(c.Driver))))
	if c.Driver == "" {
		c.Driver = TargetDriverPostgres
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxOpenConns < 1 {
		c.MaxOpenConns = 1
	}
	if c.Driver == TargetDriverSQLite {
		c.MaxOpenConns = 1
	}
}

// SharesQueueDatabase reports whether loads go into the queue's own Postgres database.
func (c *TargetConfig) SharesQueueDatabase() bool {
	return c.Driver == TargetDriverPostgres && c.DSN == ""
}
