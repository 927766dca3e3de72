package transport

import (
	"context"
	"errors"
)

// Multi fans one pipeline out to several transports. Inbound frames from
// all of them reach the same handler; outbound frames go to every
// connected transport.
type Multi []Transport

// SendFrame writes pcm to every connected transport.
func (m Multi) SendFrame(ctx context.Context, pcm []byte) error {
	var errs []error
	sent := false
	for _, t := range m {
		if !t.Connected() {
			continue
		}
		if err := t.SendFrame(ctx, pcm); err != nil {
			errs = append(errs, err)
			continue
		}
		sent = true
	}
	if !sent && len(errs) == 0 {
		return ErrNotConnected
	}
	return errors.Join(errs...)
}

// OnFrame sets h on every transport.
func (m Multi) OnFrame(h FrameHandler) {
	for _, t := range m {
		t.OnFrame(h)
	}
}

// OnStreamEnd sets h on every transport that reports stream ends.
func (m Multi) OnStreamEnd(h EndHandler) {
	for _, t := range m {
		if se, ok := t.(StreamEnder); ok {
			se.OnStreamEnd(h)
		}
	}
}

// Connected reports whether any transport is connected.
func (m Multi) Connected() bool {
	for _, t := range m {
		if t.Connected() {
			return true
		}
	}
	return false
}

// Close closes every transport.
func (m Multi) Close() error {
	var errs []error
	for _, t := range m {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Verify Multi implements Transport at compile time.
var (
	_ Transport   = Multi(nil)
	_ StreamEnder = Multi(nil)
)
