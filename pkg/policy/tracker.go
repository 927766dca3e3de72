package policy

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/teslashibe/go-voicebus/pkg/events"
)

// settledJobs bounds the memory of jobs whose outcome arrived before their
// request.
const settledJobs = 64

// Tracker follows what the pipeline is doing on behalf of the last
// accepted query. It holds a single previous query, never a queue.
type Tracker struct {
	mu  sync.Mutex
	now func() time.Time

	previous *events.Query

	// awaiting is the accepted query whose stream has not started yet
	awaiting string

	stream       string
	streamActive bool
	pending      int
	playing      bool

	// requested jobs with no outcome yet, and outcomes seen before the
	// request (playback enqueues before the tracker hears of a request)
	outstanding map[string]struct{}
	settled     *lru.Cache[string, struct{}]

	nowPlaying string
	startedAt  time.Time
	expected   time.Duration
}

// NewTracker creates an idle Tracker.
func NewTracker() *Tracker {
	settled, _ := lru.New[string, struct{}](settledJobs)
	return &Tracker{
		now:         time.Now,
		outstanding: make(map[string]struct{}),
		settled:     settled,
	}
}

// Accept makes q the previous query. An accepted query counts as busy
// until its stream reports a terminal state.
func (t *Tracker) Accept(q events.Query) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.previous = &q
	t.awaiting = q.ID
	t.streamActive = false
}

// Previous returns the tracked previous query.
func (t *Tracker) Previous() (events.Query, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.previous == nil {
		return events.Query{}, false
	}
	return *t.previous, true
}

// Busy reports whether a stream, synthesis or playback is in flight.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy()
}

func (t *Tracker) busy() bool {
	return t.awaiting != "" || t.streamActive || t.pending > 0 || t.playing || len(t.outstanding) > 0
}

// OnStream applies a stream transition. Transitions of superseded
// streams are ignored.
func (t *Tracker) OnStream(s events.StreamStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case s.State == events.StreamStarted:
		if s.QueryID == t.awaiting {
			t.awaiting = ""
		}
		t.stream = s.QueryID
		t.streamActive = true
	case s.QueryID == t.awaiting:
		t.awaiting = ""
	case s.QueryID == t.stream:
		t.streamActive = false
	}
	t.settle()
}

// OnSynthesis applies a synthesis backlog update.
func (t *Tracker) OnSynthesis(s events.SynthesisStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = s.Pending
	t.settle()
}

// OnRequested marks audio as on its way to playback, unless playback
// already reported the job's outcome.
func (t *Tracker) OnRequested(r events.PlaybackRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.ID == "" {
		return
	}
	if t.settled.Remove(r.ID) {
		return
	}
	t.outstanding[r.ID] = struct{}{}
}

// settleJob records a job's outcome. Must be called with mu held.
func (t *Tracker) settleJob(id string) {
	if id == "" {
		return
	}
	if _, ok := t.outstanding[id]; ok {
		delete(t.outstanding, id)
		return
	}
	t.settled.Add(id, struct{}{})
}

// OnPlayback applies a playback transition.
func (t *Tracker) OnPlayback(s events.PlaybackStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch s.State {
	case events.PlaybackStarted:
		t.playing = true
		t.nowPlaying = s.Text
		t.startedAt = s.At
		if t.startedAt.IsZero() {
			t.startedAt = t.now()
		}
		t.expected = s.Expected
	case events.PlaybackFinished, events.PlaybackInterrupted:
		t.settleJob(s.JobID)
		t.nowPlaying = ""
		t.startedAt = time.Time{}
		t.expected = 0
	case events.PlaybackDiscarded:
		t.settleJob(s.JobID)
	case events.PlaybackIdle:
		t.playing = false
		clear(t.outstanding)
		t.nowPlaying = ""
		t.startedAt = time.Time{}
		t.expected = 0
	}
	t.settle()
}

// settle clears the previous query once everything is idle.
func (t *Tracker) settle() {
	if !t.busy() {
		t.previous = nil
	}
}

// Progress describes the sentence being played for the decision prompt.
func (t *Tracker) Progress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return "No speech currently playing"
	}
	elapsed := min(t.now().Sub(t.startedAt), t.expected).Round(10 * time.Millisecond)
	return fmt.Sprintf("Currently playing %v of %v of synthesized speech", elapsed, t.expected.Round(10*time.Millisecond))
}
