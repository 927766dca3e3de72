package asr

import (
	"context"
	"sync"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// Mock implements Transcriber for testing.
type Mock struct {
	// TranscribeFunc is called when Transcribe is invoked.
	TranscribeFunc func(ctx context.Context, seg audioio.Segment) (Transcript, error)

	mu    sync.Mutex
	calls []audioio.Segment
}

// NewMock returns a mock that always answers with t.
func NewMock(t Transcript) *Mock {
	return &Mock{
		TranscribeFunc: func(ctx context.Context, seg audioio.Segment) (Transcript, error) {
			return t, nil
		},
	}
}

// Transcribe calls TranscribeFunc and records the segment.
func (m *Mock) Transcribe(ctx context.Context, seg audioio.Segment) (Transcript, error) {
	m.mu.Lock()
	m.calls = append(m.calls, seg)
	m.mu.Unlock()
	if m.TranscribeFunc == nil {
		return Transcript{}, nil
	}
	return m.TranscribeFunc(ctx, seg)
}

// CallCount returns how many segments were transcribed.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var _ Transcriber = (*Mock)(nil)
