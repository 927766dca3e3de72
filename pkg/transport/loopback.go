package transport

import (
	"context"
	"sync"
	"time"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// Loopback is an in-memory Transport. Inbound audio is injected with Feed
// and outbound frames are recorded.
type Loopback struct {
	source  string
	format  audioio.Format
	handler handlerSlot
	ended   endSlot

	mu     sync.Mutex
	sent   [][]byte
	closed bool
	keep   int
	onSend func(pcm []byte)
}

// NewLoopback creates a loopback transport whose inbound frames carry
// source and follow format.
func NewLoopback(source string, format audioio.Format) *Loopback {
	return &Loopback{source: source, format: format}
}

// Keep bounds the recorded outbound frames to the last n. Zero keeps all.
func (l *Loopback) Keep(n int) {
	l.mu.Lock()
	l.keep = n
	l.mu.Unlock()
}

// OnSend sets a hook called for every outbound frame.
func (l *Loopback) OnSend(fn func(pcm []byte)) {
	l.mu.Lock()
	l.onSend = fn
	l.mu.Unlock()
}

// SendFrame records pcm.
func (l *Loopback) SendFrame(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	frame := append([]byte(nil), pcm...)
	l.sent = append(l.sent, frame)
	if l.keep > 0 && len(l.sent) > l.keep {
		l.sent = l.sent[len(l.sent)-l.keep:]
	}
	hook := l.onSend
	l.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return nil
}

// OnFrame sets the inbound frame handler.
func (l *Loopback) OnFrame(h FrameHandler) { l.handler.set(h) }

// Connected reports whether the loopback is open.
func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Close stops accepting frames.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// OnStreamEnd sets the handler End calls.
func (l *Loopback) OnStreamEnd(h EndHandler) { l.ended.set(h) }

// End reports that the loopback source stopped sending.
func (l *Loopback) End() { l.ended.emit(l.source) }

// Inject delivers one frame to the handler as is.
func (l *Loopback) Inject(f audioio.Frame) {
	if f.Source == "" {
		f.Source = l.source
	}
	l.handler.emit(f)
}

// Feed chops samples into frames and delivers them with timestamps spaced
// one frame apart starting at start. A trailing partial frame is padded.
func (l *Loopback) Feed(samples []int16, start time.Time) int {
	frames := audioio.Chop(samples, l.format.FrameSamples(), audioio.RemainderPad)
	for i, s := range frames {
		l.handler.emit(audioio.Frame{
			Source:     l.source,
			Samples:    s,
			SampleRate: l.format.SampleRate,
			Timestamp:  start.Add(time.Duration(i) * l.format.FrameDuration),
		})
	}
	return len(frames)
}

// Sent returns a copy of every outbound frame.
func (l *Loopback) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

// SentCount returns the number of outbound frames.
func (l *Loopback) SentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// Reset forgets recorded frames.
func (l *Loopback) Reset() {
	l.mu.Lock()
	l.sent = nil
	l.mu.Unlock()
}

// Verify Loopback implements Transport at compile time.
var (
	_ Transport   = (*Loopback)(nil)
	_ StreamEnder = (*Loopback)(nil)
)
