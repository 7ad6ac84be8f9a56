package sandbox

import (
	"os"
	"time"
)

// Config holds configuration for the sandbox Manager.
type Config struct {
	// RuntimeBinary is the interpreter executable, e.g. "node".
	RuntimeBinary string
	// RuntimeArgs are passed before the worker file path.
	RuntimeArgs []string
	// WorkerFilePerm is the mode for generated worker files.
	WorkerFilePerm os.FileMode
	// StderrBufferSize caps captured stderr used for fault
	// classification.
	StderrBufferSize int
	// DefaultLimits apply when the caller passes zero values.
	DefaultLimits Limits
}

// Limits bound one sandboxed execution.
type Limits struct {
	Timeout time.Duration
	// Memory is the heap ceiling in bytes.
	Memory int64
}

// Option is a function that configures the Manager.
type Option func(*Config)

// WithRuntime sets the interpreter binary and its base arguments.
func WithRuntime(binary string, args ...string) Option {
	return func(c *Config) {
		c.RuntimeBinary = binary
		c.RuntimeArgs = args
	}
}

// WithWorkerFilePerm sets the file permissions for worker files.
func WithWorkerFilePerm(perm os.FileMode) Option {
	return func(c *Config) {
		c.WorkerFilePerm = perm
	}
}

// WithStderrBufferSize sets the stderr capture limit.
func WithStderrBufferSize(size int) Option {
	return func(c *Config) {
		c.StderrBufferSize = size
	}
}

// WithDefaultLimits sets the limits applied when callers pass zeros.
func WithDefaultLimits(limits Limits) Option {
	return func(c *Config) {
		c.DefaultLimits = limits
	}
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		RuntimeBinary:    "node",
		WorkerFilePerm:   0600,
		StderrBufferSize: 8192,
		DefaultLimits: Limits{
			Timeout: 30 * time.Second,
			Memory:  256 << 20,
		},
	}
}
