// Package asr turns speech segments into text queries.
package asr

import (
	"context"
	"errors"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// ErrEmptySegment is returned for a segment without audio.
var ErrEmptySegment = errors.New("asr: empty segment")

// Transcript is a recognizer result.
type Transcript struct {
	Text       string
	Language   string
	Confidence float64
}

// Transcriber converts a speech segment to text.
type Transcriber interface {
	Transcribe(ctx context.Context, seg audioio.Segment) (Transcript, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, seg audioio.Segment) (Transcript, error)

// Transcribe calls f.
func (f TranscriberFunc) Transcribe(ctx context.Context, seg audioio.Segment) (Transcript, error) {
	return f(ctx, seg)
}
