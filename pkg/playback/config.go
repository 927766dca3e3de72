package playback

import (
	"fmt"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// Config holds scheduler configuration.
type Config struct {
	// Format is the sink's sample rate and frame duration. Jobs at another
	// rate are resampled on enqueue.
	Format audioio.Format `mapstructure:"format"`

	// QueueSize bounds jobs waiting behind the current one.
	QueueSize int `mapstructure:"queue_size"`

	// Remainder decides what happens to a final partial frame.
	Remainder audioio.Remainder `mapstructure:"-"`
}

// DefaultConfig returns 20ms frames at 48kHz with a 32-job queue.
func DefaultConfig() Config {
	return Config{
		Format:    audioio.DefaultOutputFormat(),
		QueueSize: 32,
		Remainder: audioio.RemainderPad,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("playback: queue_size must be >= 1, got %d", c.QueueSize)
	}
	return nil
}
