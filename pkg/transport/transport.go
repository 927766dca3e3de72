// Package transport moves PCM16 audio between the pipeline and the outside
// world.
//
// A Transport delivers inbound audio as audioio.Frame values to the handler
// set with OnFrame, and accepts outbound frames through SendFrame, which
// makes every Transport usable as a playback.Sink.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

var (
	// ErrClosed is returned when sending on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrNotConnected is returned when no peer is connected.
	ErrNotConnected = errors.New("transport: not connected")
)

// FrameHandler receives inbound frames. It must not block.
type FrameHandler func(audioio.Frame)

// Transport is a bidirectional audio link.
type Transport interface {
	// SendFrame writes one outbound frame of PCM16 at the output rate.
	SendFrame(ctx context.Context, pcm []byte) error

	// OnFrame sets the handler for inbound frames.
	OnFrame(h FrameHandler)

	// Connected reports whether audio can currently flow.
	Connected() bool

	// Close releases the link.
	Close() error
}

// EndHandler is told that an inbound source stopped sending, such as when
// its connection closed.
type EndHandler func(source string)

// StreamEnder is implemented by transports that report when an inbound
// source ends.
type StreamEnder interface {
	OnStreamEnd(h EndHandler)
}

// endSlot holds an EndHandler that may be replaced concurrently.
type endSlot struct {
	mu sync.RWMutex
	h  EndHandler
}

func (s *endSlot) set(h EndHandler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *endSlot) emit(source string) {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	if h != nil {
		h(source)
	}
}

// handlerSlot holds a FrameHandler that may be replaced concurrently.
type handlerSlot struct {
	mu sync.RWMutex
	h  FrameHandler
}

func (s *handlerSlot) set(h FrameHandler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *handlerSlot) emit(f audioio.Frame) {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	if h != nil {
		h(f)
	}
}

// framer regroups arbitrary chunks of samples into frames of a fixed size.
type framer struct {
	size int
	buf  []int16
}

func newFramer(size int) *framer {
	return &framer{size: size, buf: make([]int16, 0, size*2)}
}

// push appends samples and returns every complete frame.
func (f *framer) push(samples []int16) [][]int16 {
	f.buf = append(f.buf, samples...)
	var out [][]int16
	for len(f.buf) >= f.size {
		frame := make([]int16, f.size)
		copy(frame, f.buf[:f.size])
		out = append(out, frame)
		f.buf = append(f.buf[:0], f.buf[f.size:]...)
	}
	return out
}

// reset drops buffered samples.
func (f *framer) reset() {
	f.buf = f.buf[:0]
}
