package asr

import (
	"errors"
	"time"
)

// Config holds speech recognition configuration.
type Config struct {
	// APIKey authenticates against the transcription endpoint.
	APIKey string `mapstructure:"api_key"`

	// BaseURL overrides the OpenAI endpoint, for compatible servers.
	BaseURL string `mapstructure:"base_url"`

	// Model is the transcription model.
	Model string `mapstructure:"model"`

	// Language hints the spoken language. Empty lets the model detect it.
	Language string `mapstructure:"language"`

	// Prompt biases recognition toward expected vocabulary.
	Prompt string `mapstructure:"prompt"`

	// Timeout bounds one transcription request.
	Timeout time.Duration `mapstructure:"timeout"`

	// QueueSize bounds segments waiting for transcription.
	QueueSize int `mapstructure:"queue_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Model:     "whisper-1",
		Timeout:   30 * time.Second,
		QueueSize: 16,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Model == "" {
		return errors.New("asr: model is required")
	}
	if c.Timeout <= 0 {
		return errors.New("asr: timeout must be positive")
	}
	if c.QueueSize < 1 {
		return errors.New("asr: queue_size must be >= 1")
	}
	return nil
}
