package config

import (
	"time"
)

// Config represents the complete configuration for the engine.
// It provides type-safe access to all configuration values with validation.
type Config struct {
	Server   ServerConfig   `koanf:"server"   validate:"required"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"    validate:"required"`
	Queue    QueueConfig    `koanf:"queue"    validate:"required"`
	Worker   WorkerConfig   `koanf:"worker"   validate:"required"`
	Sandbox  SandboxConfig  `koanf:"sandbox"  validate:"required"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host    string        `koanf:"host"    validate:"required"        env:"FLOWMESH_SERVER_HOST"`
	Port    int           `koanf:"port"    validate:"min=1,max=65535" env:"FLOWMESH_SERVER_PORT"`
	Timeout time.Duration `koanf:"timeout"                           env:"FLOWMESH_SERVER_TIMEOUT"`
}

// DatabaseConfig contains the execution store connection configuration.
// An empty ConnString selects the in-memory store.
type DatabaseConfig struct {
	ConnString string `koanf:"conn_string" env:"FLOWMESH_DATABASE_CONN_STRING"`
}

// RedisConfig contains Redis connection configuration for the queue and
// the progress stream.
type RedisConfig struct {
	URL      string `koanf:"url"      env:"FLOWMESH_REDIS_URL"`
	Host     string `koanf:"host"     env:"FLOWMESH_REDIS_HOST"`
	Port     string `koanf:"port"     env:"FLOWMESH_REDIS_PORT"`
	Password string `koanf:"password" env:"FLOWMESH_REDIS_PASSWORD"`
	DB       int    `koanf:"db"       env:"FLOWMESH_REDIS_DB"`
}

// QueueConfig contains admission control and retry policy settings.
type QueueConfig struct {
	MaxConcurrentPerWorkflow int           `koanf:"max_concurrent_per_workflow" validate:"min=1"  env:"FLOWMESH_QUEUE_MAX_CONCURRENT_PER_WORKFLOW"`
	MaxConcurrentGlobal      int           `koanf:"max_concurrent_global"       validate:"min=1"  env:"FLOWMESH_QUEUE_MAX_CONCURRENT_GLOBAL"`
	MaxAttempts              int           `koanf:"max_attempts"                validate:"min=1"  env:"FLOWMESH_QUEUE_MAX_ATTEMPTS"`
	LeaseDuration            time.Duration `koanf:"lease_duration"              validate:"min=1s" env:"FLOWMESH_QUEUE_LEASE_DURATION"`
	RetryBaseDelay           time.Duration `koanf:"retry_base_delay"                              env:"FLOWMESH_QUEUE_RETRY_BASE_DELAY"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	PoolSize          int           `koanf:"pool_size"          validate:"min=1" env:"FLOWMESH_WORKER_POOL_SIZE"`
	PollInterval      time.Duration `koanf:"poll_interval"      validate:"min=1ms" env:"FLOWMESH_WORKER_POLL_INTERVAL"`
	MaxPollInterval   time.Duration `koanf:"max_poll_interval"                   env:"FLOWMESH_WORKER_MAX_POLL_INTERVAL"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"min=1ms" env:"FLOWMESH_WORKER_HEARTBEAT_INTERVAL"`
}

// SandboxConfig contains limits for isolated code-node execution.
type SandboxConfig struct {
	Runtime     string        `koanf:"runtime"      validate:"required" env:"FLOWMESH_SANDBOX_RUNTIME"`
	Timeout     time.Duration `koanf:"timeout"      validate:"min=1ms"  env:"FLOWMESH_SANDBOX_TIMEOUT"`
	MemoryLimit int64         `koanf:"memory_limit" validate:"min=1"    env:"FLOWMESH_SANDBOX_MEMORY_LIMIT"`
}

// Default returns the baseline configuration before env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    5080,
			Timeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Queue: QueueConfig{
			MaxConcurrentPerWorkflow: 4,
			MaxConcurrentGlobal:      64,
			MaxAttempts:              3,
			LeaseDuration:            30 * time.Second,
			RetryBaseDelay:           time.Second,
		},
		Worker: WorkerConfig{
			PoolSize:          4,
			PollInterval:      250 * time.Millisecond,
			MaxPollInterval:   5 * time.Second,
			HeartbeatInterval: 10 * time.Second,
		},
		Sandbox: SandboxConfig{
			Runtime:     "node",
			Timeout:     30 * time.Second,
			MemoryLimit: 256 << 20,
		},
	}
}
