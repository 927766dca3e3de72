package bus

import (
	"errors"
	"log/slog"

	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// Config holds bus configuration.
type Config struct {
	// Workers is the size of the async call pool.
	Workers int

	// QueueSize bounds async calls waiting for a worker. A full queue
	// blocks CallAsync until space frees or its context ends.
	QueueSize int

	Logger  *slog.Logger
	Metrics metrics.Provider
}

// Option is a functional option for configuring the bus.
type Option func(*Config)

// WithWorkers sets the async worker count.
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// WithQueueSize sets the async queue capacity.
func WithQueueSize(n int) Option {
	return func(c *Config) { c.QueueSize = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics sets the metrics provider.
func WithMetrics(p metrics.Provider) Option {
	return func(c *Config) { c.Metrics = p }
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:   4,
		QueueSize: 64,
		Logger:    slog.Default(),
		Metrics:   metrics.Noop{},
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return errors.New("bus: workers must be at least 1")
	}
	if c.QueueSize < 1 {
		return errors.New("bus: queue size must be at least 1")
	}
	return nil
}
