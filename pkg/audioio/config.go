// Package audioio holds the audio value types that cross stage boundaries
// (Frame, Segment) and the PCM helpers every stage shares: PCM16 and
// float32 conversion, resampling, framing, silence padding and WAV I/O.
//
// All audio inside the pipeline is mono PCM16.
package audioio

import (
	"fmt"
	"time"
)

// Format describes a mono PCM16 stream cut into fixed-duration frames.
type Format struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int `mapstructure:"sample_rate" json:"sample_rate"`

	// FrameDuration is the duration of one frame.
	// Default: 20ms (320 samples at 16kHz)
	FrameDuration time.Duration `mapstructure:"frame_duration" json:"frame_duration"`
}

// DefaultInputFormat is the format frames arrive in from a transport.
func DefaultInputFormat() Format {
	return Format{SampleRate: 16000, FrameDuration: 20 * time.Millisecond}
}

// DefaultOutputFormat is the format played back to a transport.
func DefaultOutputFormat() Format {
	return Format{SampleRate: 48000, FrameDuration: 20 * time.Millisecond}
}

// Validate checks that the format is usable.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audioio: sample_rate must be positive, got %d", f.SampleRate)
	}
	if f.FrameDuration <= 0 {
		return fmt.Errorf("audioio: frame_duration must be positive, got %v", f.FrameDuration)
	}
	if f.FrameSamples() == 0 {
		return fmt.Errorf("audioio: frame_duration %v is shorter than one sample at %d Hz", f.FrameDuration, f.SampleRate)
	}
	return nil
}

// FrameSamples returns the number of samples per frame.
func (f Format) FrameSamples() int {
	return int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

// FrameBytes returns the size of one frame in bytes.
func (f Format) FrameBytes() int {
	return f.FrameSamples() * 2
}

// Duration returns the play time of n samples.
func (f Format) Duration(n int) time.Duration {
	return SamplesDuration(n, f.SampleRate)
}

// SamplesDuration returns the play time of n samples at rate.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
