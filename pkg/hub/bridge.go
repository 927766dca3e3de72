package hub

import (
	"encoding/json"
	"time"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
)

// speech is the client view of a detected segment; audio is left out.
type speech struct {
	Source   string        `json:"source"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
}

// Bridge forwards pipeline events from b to the hub's clients. Audio
// frames are not forwarded. The returned func revokes every subscription.
func Bridge(b *bus.Bus, h *Hub) (func(), error) {
	var subs []*bus.Subscription
	revoke := func() {
		for _, s := range subs {
			s.Revoke()
		}
	}

	add := func(s *bus.Subscription, err error) error {
		if err != nil {
			return err
		}
		subs = append(subs, s)
		return nil
	}

	steps := []func() error{
		func() error {
			return add(bus.Subscribe(b, events.SpeechDetected, func(seg audioio.Segment) {
				forward(h, events.SpeechDetected.Name(), speech{
					Source:   seg.Source,
					Start:    seg.Start,
					Duration: seg.Duration(),
				})
			}))
		},
		func() error { return add(subscribe(b, h, events.QueryTranscribed)) },
		func() error { return add(subscribe(b, h, events.QueryAccepted)) },
		func() error { return add(subscribe(b, h, events.InterruptIssued)) },
		func() error { return add(subscribe(b, h, events.SentenceReady)) },
		func() error { return add(subscribe(b, h, events.StreamChanged)) },
		func() error { return add(subscribe(b, h, events.SynthesisChanged)) },
		func() error { return add(subscribe(b, h, events.PlaybackChanged)) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			revoke()
			return nil, err
		}
	}
	return revoke, nil
}

func subscribe[T any](b *bus.Bus, h *Hub, t bus.Topic[T]) (*bus.Subscription, error) {
	return bus.Subscribe(b, t, func(v T) { forward(h, t.Name(), v) })
}

func forward(h *Hub, topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("encode event", "topic", topic, "error", err)
		return
	}
	_ = h.BroadcastJSON(Event{Topic: topic, At: time.Now(), Data: data})
}
