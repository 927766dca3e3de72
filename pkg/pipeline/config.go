package pipeline

import (
	"fmt"

	"github.com/teslashibe/go-voicebus/pkg/asr"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/conversation"
	"github.com/teslashibe/go-voicebus/pkg/playback"
	"github.com/teslashibe/go-voicebus/pkg/policy"
	"github.com/teslashibe/go-voicebus/pkg/recorder"
	"github.com/teslashibe/go-voicebus/pkg/tts"
	"github.com/teslashibe/go-voicebus/pkg/vad"
	"github.com/teslashibe/go-voicebus/pkg/watch"
)

// Config holds the configuration of every stage.
type Config struct {
	// Workers and QueueSize size the bus worker pool.
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`

	VAD          vad.Config          `mapstructure:"vad"`
	ASR          asr.Config          `mapstructure:"asr"`
	Policy       policy.Config       `mapstructure:"policy"`
	Conversation conversation.Config `mapstructure:"conversation"`
	TTS          tts.StageConfig     `mapstructure:"tts"`
	Playback     playback.Config     `mapstructure:"playback"`

	// Record saves every speech segment under Recorder.Dir.
	Record   bool            `mapstructure:"record"`
	Recorder recorder.Config `mapstructure:"recorder"`

	// Watch feeds WAV files dropped into Watch.Dirs. Disabled when empty.
	Watch watch.Config `mapstructure:"watch"`

	// TurnHistory is how many turn latencies are kept.
	TurnHistory int `mapstructure:"turn_history"`
}

// DefaultConfig returns defaults for every stage.
func DefaultConfig() Config {
	b := bus.DefaultConfig()
	return Config{
		Workers:      b.Workers,
		QueueSize:    b.QueueSize,
		VAD:          vad.DefaultConfig(),
		ASR:          asr.DefaultConfig(),
		Policy:       policy.DefaultConfig(),
		Conversation: conversation.DefaultConfig(),
		TTS:          tts.DefaultStageConfig(),
		Playback:     playback.DefaultConfig(),
		Recorder:     recorder.DefaultConfig(),
		Watch:        watch.DefaultConfig(),
		TurnHistory:  100,
	}
}

// Validate checks every stage's configuration.
func (c Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"vad", c.VAD.Validate},
		{"asr", c.ASR.Validate},
		{"policy", c.Policy.Validate},
		{"conversation", c.Conversation.Validate},
		{"tts", c.TTS.Validate},
		{"playback", c.Playback.Validate},
		{"watch", c.Watch.Validate},
	}
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			return fmt.Errorf("pipeline %s: %w", ch.name, err)
		}
	}
	if c.Record {
		if err := c.Recorder.Validate(); err != nil {
			return fmt.Errorf("pipeline recorder: %w", err)
		}
	}
	if c.TTS.OutputRate != c.Playback.Format.SampleRate {
		return fmt.Errorf("pipeline: tts output_rate %d differs from playback rate %d",
			c.TTS.OutputRate, c.Playback.Format.SampleRate)
	}
	return nil
}
