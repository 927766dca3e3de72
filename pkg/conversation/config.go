package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-voicebus/pkg/sentence"
)

// Config holds responder configuration.
type Config struct {
	// Name is the assistant's name, used in the system prompt and the
	// interruption note.
	Name string `mapstructure:"name"`

	// SystemPrompt is the first history message. %s is replaced by Name.
	SystemPrompt string `mapstructure:"system_prompt"`

	// HistoryLimit bounds the messages kept after the system prompt.
	HistoryLimit int `mapstructure:"history_limit"`

	// Model overrides the provider's default model.
	Model string `mapstructure:"model"`

	// MaxTokens limits reply length. Zero uses the provider default.
	MaxTokens int `mapstructure:"max_tokens"`

	// Temperature for replies. Zero uses the provider default.
	Temperature float64 `mapstructure:"temperature"`

	// Stop sequences end a reply early.
	Stop []string `mapstructure:"stop"`

	// Breaks is the sentence break set.
	Breaks string `mapstructure:"breaks"`

	// QueueSize bounds accepted queries waiting for the stream.
	QueueSize int `mapstructure:"queue_size"`

	// InterruptMemory is how many interrupted query ids are remembered so
	// a query interrupted before it started is skipped.
	InterruptMemory int `mapstructure:"interrupt_memory"`

	// StreamTimeout bounds one reply.
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
}

// DefaultConfig returns the default responder configuration.
func DefaultConfig() Config {
	return Config{
		Name:            "Eva",
		SystemPrompt:    "You are a helpful AI assistant. Your name is %s. Your answers always short and concise.",
		HistoryLimit:    50,
		Stop:            []string{"user:"},
		Breaks:          sentence.DefaultBreaks,
		QueueSize:       8,
		InterruptMemory: 64,
		StreamTimeout:   2 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.HistoryLimit < 2 {
		return fmt.Errorf("conversation: history_limit must be >= 2, got %d", c.HistoryLimit)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("conversation: queue_size must be >= 1, got %d", c.QueueSize)
	}
	if c.InterruptMemory < 1 {
		return fmt.Errorf("conversation: interrupt_memory must be >= 1, got %d", c.InterruptMemory)
	}
	if c.StreamTimeout <= 0 {
		return fmt.Errorf("conversation: stream_timeout must be positive, got %v", c.StreamTimeout)
	}
	return nil
}

// Prompt renders the system prompt.
func (c Config) Prompt() string {
	if strings.Contains(c.SystemPrompt, "%s") {
		return fmt.Sprintf(c.SystemPrompt, c.Name)
	}
	return c.SystemPrompt
}

// InterruptedNote is the system message added after an interrupted reply.
func (c Config) InterruptedNote() string {
	return fmt.Sprintf("Note, %s, you were interrupted by a user.", c.Name)
}
