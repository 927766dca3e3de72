package conversation

import (
	"sync"

	"github.com/teslashibe/go-voicebus/pkg/inference"
)

// History is the bounded message log sent with every request. The system
// prompt is pinned; the oldest other messages are dropped beyond limit.
type History struct {
	mu       sync.Mutex
	system   *inference.Message
	messages []inference.Message
	limit    int
}

// NewHistory creates a history. An empty system prompt pins nothing.
func NewHistory(system string, limit int) *History {
	h := &History{limit: max(limit, 1)}
	if system != "" {
		m := inference.NewSystemMessage(system)
		h.system = &m
	}
	return h
}

// Append adds messages, trimming the oldest beyond the limit.
func (h *History) Append(msgs ...inference.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgs...)
	if over := len(h.messages) - h.limit; over > 0 {
		h.messages = append([]inference.Message(nil), h.messages[over:]...)
	}
}

// Messages returns a copy of the history, system prompt first.
func (h *History) Messages() []inference.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]inference.Message, 0, len(h.messages)+1)
	if h.system != nil {
		out = append(out, *h.system)
	}
	return append(out, h.messages...)
}

// Len returns the number of messages, system prompt included.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.messages)
	if h.system != nil {
		n++
	}
	return n
}

// Reset drops everything but the system prompt.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}
