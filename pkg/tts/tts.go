// Package tts turns reply sentences into speech.
//
// Providers return complete mono PCM16 buffers. The Synthesizer stage runs
// them behind the tts/synthesize bus service, resamples to the playback
// rate and pads the result with silence.
//
// Example usage:
//
//	provider, _ := tts.NewOpenAI(
//	    tts.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	    tts.WithVoice(tts.VoiceShimmer),
//	)
//	defer provider.Close()
//
//	result, _ := provider.Synthesize(ctx, "Hello world")
//	samples := result.Samples()
package tts

import (
	"context"
	"time"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// Provider defines the TTS provider interface.
type Provider interface {
	// Synthesize converts text to audio, returning the complete buffer.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Health checks provider connectivity and credentials.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioResult is a complete synthesis result.
type AudioResult struct {
	// Audio is little-endian mono PCM16.
	Audio []byte

	// Format describes the audio encoding and sample rate.
	Format AudioFormat

	// Duration is the audio play time.
	Duration time.Duration

	// CharCount is the number of characters synthesized.
	CharCount int

	// LatencyMs is the request latency in milliseconds.
	LatencyMs int64
}

// Samples returns the audio as PCM16 samples.
func (r *AudioResult) Samples() []int16 {
	return audioio.BytesToSamples(r.Audio)
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
	BitDepth   int
}

// Encoding names a raw PCM output format.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm_16000" // 16kHz mono PCM16
	EncodingPCM22 Encoding = "pcm_22050" // 22.05kHz mono PCM16
	EncodingPCM24 Encoding = "pcm_24000" // 24kHz mono PCM16
	EncodingPCM44 Encoding = "pcm_44100" // 44.1kHz mono PCM16
	EncodingPCM48 Encoding = "pcm_48000" // 48kHz mono PCM16
)

// SampleRateFromEncoding extracts the sample rate from an encoding type.
func SampleRateFromEncoding(enc Encoding) int {
	switch enc {
	case EncodingPCM16:
		return 16000
	case EncodingPCM22:
		return 22050
	case EncodingPCM24:
		return 24000
	case EncodingPCM44:
		return 44100
	case EncodingPCM48:
		return 48000
	default:
		return 24000
	}
}

// pcmFormat returns the AudioFormat of mono PCM16 at rate.
func pcmFormat(enc Encoding, rate int) AudioFormat {
	return AudioFormat{Encoding: enc, SampleRate: rate, Channels: 1, BitDepth: 16}
}

// pcmResult builds an AudioResult for PCM16 audio.
func pcmResult(audio []byte, format AudioFormat, text string, start time.Time) *AudioResult {
	return &AudioResult{
		Audio:     audio,
		Format:    format,
		Duration:  audioio.SamplesDuration(len(audio)/2, format.SampleRate),
		CharCount: len(text),
		LatencyMs: time.Since(start).Milliseconds(),
	}
}
