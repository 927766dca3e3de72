package vad

import (
	"fmt"
	"time"
)

// FlushPolicy decides what happens to a partial segment when a source's
// stream ends while speech is still being accumulated.
type FlushPolicy string

const (
	// FlushEmit emits the partial segment as if hangover had elapsed.
	FlushEmit FlushPolicy = "emit"
	// FlushDrop discards the partial segment.
	FlushDrop FlushPolicy = "drop"
)

// Config holds segmenter configuration.
type Config struct {
	// Threshold is the speech probability at or above which a frame is speech.
	Threshold float64 `mapstructure:"threshold"`

	// PreRollFrames is how many frames before a speech run are kept and
	// prepended to the segment.
	PreRollFrames int `mapstructure:"preroll_frames"`

	// MinSpeechFrames is the run of consecutive speech frames that opens a segment.
	MinSpeechFrames int `mapstructure:"min_speech_frames"`

	// HangoverFrames is the run of consecutive silence frames that closes it.
	HangoverFrames int `mapstructure:"hangover_frames"`

	// Flush is applied on stream end.
	Flush FlushPolicy `mapstructure:"flush"`

	// MaxSources bounds the number of per-source segmenters kept alive.
	// The least recently heard source is flushed and evicted.
	MaxSources int `mapstructure:"max_sources"`

	// IdleFlush flushes a source that has sent no frame for this long.
	// Zero disables idle flushing.
	IdleFlush time.Duration `mapstructure:"idle_flush"`

	// QueueSize bounds frames waiting for the segmentation loop.
	QueueSize int `mapstructure:"queue_size"`
}

// DefaultConfig returns the default segmenter configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:       0.5,
		PreRollFrames:   5,
		MinSpeechFrames: 4,
		HangoverFrames:  8,
		Flush:           FlushEmit,
		MaxSources:      64,
		IdleFlush:       time.Second,
		QueueSize:       256,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("vad: threshold must be in [0,1], got %v", c.Threshold)
	}
	if c.PreRollFrames < 0 {
		return fmt.Errorf("vad: preroll_frames must be >= 0, got %d", c.PreRollFrames)
	}
	if c.MinSpeechFrames < 1 {
		return fmt.Errorf("vad: min_speech_frames must be >= 1, got %d", c.MinSpeechFrames)
	}
	if c.HangoverFrames < 1 {
		return fmt.Errorf("vad: hangover_frames must be >= 1, got %d", c.HangoverFrames)
	}
	switch c.Flush {
	case FlushEmit, FlushDrop:
	default:
		return fmt.Errorf("vad: unknown flush policy %q", c.Flush)
	}
	if c.MaxSources < 1 {
		return fmt.Errorf("vad: max_sources must be >= 1, got %d", c.MaxSources)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("vad: queue_size must be >= 1, got %d", c.QueueSize)
	}
	return nil
}
