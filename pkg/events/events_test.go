package events

import (
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/go-voicebus/internal/log"
	"github.com/teslashibe/go-voicebus/pkg/bus"
)

func TestRegister(t *testing.T) {
	b, err := bus.New(bus.WithLogger(log.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(b); err != nil {
		t.Fatalf("Register twice should be idempotent: %v", err)
	}

	owner, ok := b.Owner(InterruptIssued.Name())
	if !ok || owner != OwnerPolicy {
		t.Errorf("interrupt owner = %q, %v", owner, ok)
	}
	if n := len(b.Topics()); n != 10 {
		t.Errorf("registered %d topics, want 10", n)
	}

	err = bus.Register(b, QueryAccepted, OwnerASR)
	if !errors.Is(err, bus.ErrTopicOwned) {
		t.Errorf("stealing a topic: err = %v", err)
	}
}

func TestPlaybackRequestDuration(t *testing.T) {
	r := PlaybackRequest{Samples: make([]int16, 24000), SampleRate: 48000}
	if d := r.Duration(); d != 500*time.Millisecond {
		t.Errorf("Duration() = %v", d)
	}
}

func TestStreamStatusActive(t *testing.T) {
	if !(StreamStatus{State: StreamStarted}).Active() {
		t.Error("started stream should be active")
	}
	if (StreamStatus{State: StreamInterrupted}).Active() {
		t.Error("interrupted stream should not be active")
	}
}
