package policy

import (
	"fmt"
	"time"
)

// Config holds interruption policy configuration.
type Config struct {
	// Name is the assistant name used in the decision prompt.
	Name string `mapstructure:"name"`

	// Model overrides the inference model for classification.
	Model string `mapstructure:"model"`

	// MinConfidence drops queries the recognizer is less sure of.
	MinConfidence float64 `mapstructure:"min_confidence"`

	// Languages lists accepted language codes. Empty accepts any.
	Languages []string `mapstructure:"languages"`

	// ClassifyTimeout bounds one classifier call. A timeout counts as
	// DISCARD.
	ClassifyTimeout time.Duration `mapstructure:"classify_timeout"`

	// QueueSize bounds queries waiting for a decision.
	QueueSize int `mapstructure:"queue_size"`
}

// DefaultConfig returns the default policy configuration.
func DefaultConfig() Config {
	return Config{
		Name:            "Eva",
		MinConfidence:   0.6,
		Languages:       []string{"en"},
		ClassifyTimeout: 5 * time.Second,
		QueueSize:       16,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("policy: min_confidence must be in [0,1], got %v", c.MinConfidence)
	}
	if c.ClassifyTimeout <= 0 {
		return fmt.Errorf("policy: classify_timeout must be positive, got %v", c.ClassifyTimeout)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("policy: queue_size must be >= 1, got %d", c.QueueSize)
	}
	return nil
}
