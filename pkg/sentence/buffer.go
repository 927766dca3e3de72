// Package sentence regroups a stream of LLM tokens into sentences so speech
// synthesis can start before the full response is generated.
//
// A Buffer accumulates tokens and flushes when a token ends in a break
// character or the stream ends. Consume drives a Buffer from a TokenStream
// and stops accepting tokens as soon as its context is cancelled.
package sentence

import (
	"strings"
	"unicode/utf8"
)

// DefaultBreaks is the default break set.
const DefaultBreaks = ".,!?;:\n"

// Token is one piece of a streamed response.
type Token struct {
	Text string
	// Final marks the end of the stream. A final token may carry text.
	Final bool
}

// Buffer accumulates tokens until a sentence boundary. It is owned by a
// single goroutine.
type Buffer struct {
	breaks  string
	pending strings.Builder
}

// NewBuffer creates a Buffer. An empty breaks uses DefaultBreaks.
func NewBuffer(breaks string) *Buffer {
	if breaks == "" {
		breaks = DefaultBreaks
	}
	return &Buffer{breaks: breaks}
}

// Add appends t and returns the flushed sentence when t closes one. Flushed
// text is trimmed; whitespace-only flushes produce nothing.
func (b *Buffer) Add(t Token) (string, bool) {
	b.pending.WriteString(t.Text)
	if !t.Final && !b.endsWithBreak(t.Text) {
		return "", false
	}
	return b.flush()
}

// Pending returns the text buffered since the last flush.
func (b *Buffer) Pending() string { return b.pending.String() }

// Reset discards buffered text.
func (b *Buffer) Reset() { b.pending.Reset() }

func (b *Buffer) endsWithBreak(text string) bool {
	r, size := utf8.DecodeLastRuneInString(text)
	if size == 0 {
		return false
	}
	return strings.ContainsRune(b.breaks, r)
}

func (b *Buffer) flush() (string, bool) {
	s := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	if s == "" {
		return "", false
	}
	return s, true
}
