package pipeline

import (
	"sync"

	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// turnWatcher feeds metrics.Turns from bus events. A turn ends when its
// stream has ended and no synthesis or playback is left, or when it is
// interrupted.
type turnWatcher struct {
	turns *metrics.Turns

	mu       sync.Mutex
	query    string
	streamed bool
	pending  int
	queued   int
}

func watchTurns(b *bus.Bus, turns *metrics.Turns) ([]*bus.Subscription, error) {
	w := &turnWatcher{turns: turns}
	var subs []*bus.Subscription
	steps := []func() (*bus.Subscription, error){
		func() (*bus.Subscription, error) { return bus.Subscribe(b, events.InterruptIssued, w.onInterrupt) },
		func() (*bus.Subscription, error) { return bus.Subscribe(b, events.QueryAccepted, w.onAccepted) },
		func() (*bus.Subscription, error) { return bus.Subscribe(b, events.SentenceReady, w.onSentence) },
		func() (*bus.Subscription, error) { return bus.Subscribe(b, events.StreamChanged, w.onStream) },
		func() (*bus.Subscription, error) { return bus.Subscribe(b, events.SynthesisChanged, w.onSynthesis) },
		func() (*bus.Subscription, error) { return bus.Subscribe(b, events.PlaybackRequested, w.onRequested) },
		func() (*bus.Subscription, error) { return bus.Subscribe(b, events.PlaybackChanged, w.onPlayback) },
	}
	for _, step := range steps {
		s, err := step()
		if err != nil {
			for _, s := range subs {
				s.Revoke()
			}
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, nil
}

func (w *turnWatcher) onInterrupt(events.Interrupt) {
	w.turns.MarkDone(true)
}

func (w *turnWatcher) onAccepted(q events.Query) {
	w.mu.Lock()
	w.query, w.streamed = q.ID, false
	w.mu.Unlock()
	w.turns.MarkSpeechEnd(q.SpeechEnd)
	w.turns.MarkTranscript(q.ID)
}

func (w *turnWatcher) onSentence(s events.Sentence) {
	w.turns.MarkFirstToken(s.QueryID)
}

func (w *turnWatcher) onStream(s events.StreamStatus) {
	if s.Active() {
		return
	}
	w.mu.Lock()
	if s.QueryID == w.query {
		w.streamed = true
	}
	w.mu.Unlock()
	w.check()
}

func (w *turnWatcher) onSynthesis(s events.SynthesisStatus) {
	w.mu.Lock()
	w.pending = s.Pending
	w.mu.Unlock()
	w.check()
}

func (w *turnWatcher) onRequested(events.PlaybackRequest) {
	w.mu.Lock()
	w.queued++
	w.mu.Unlock()
}

func (w *turnWatcher) onPlayback(s events.PlaybackStatus) {
	w.mu.Lock()
	switch s.State {
	case events.PlaybackStarted:
		w.mu.Unlock()
		w.turns.MarkFirstAudio(s.QueryID)
		return
	case events.PlaybackFinished, events.PlaybackInterrupted, events.PlaybackDiscarded:
		if w.queued > 0 {
			w.queued--
		}
	case events.PlaybackIdle:
		w.queued = 0
	}
	w.mu.Unlock()
	w.check()
}

func (w *turnWatcher) check() {
	w.mu.Lock()
	done := w.streamed && w.pending == 0 && w.queued == 0
	w.mu.Unlock()
	if done {
		w.turns.MarkDone(false)
	}
}
