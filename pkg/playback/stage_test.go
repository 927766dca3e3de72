package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voicebus/internal/log"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
)

func TestStage(t *testing.T) {
	b, err := bus.New(bus.WithLogger(log.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, events.Register(b))

	var mu sync.Mutex
	var states []events.PlaybackState
	finished := make(chan struct{}, 4)
	_, err = bus.Subscribe(b, events.PlaybackChanged, func(s events.PlaybackStatus) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
		if s.State == events.PlaybackFinished || s.State == events.PlaybackInterrupted {
			finished <- struct{}{}
		}
	})
	require.NoError(t, err)

	sink := &recordingSink{}
	st, err := NewStage(b, DefaultConfig(), sink, WithLogger(log.Discard()))
	require.NoError(t, err)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(st.Stop)

	bus.Publish(b, events.PlaybackRequested, events.PlaybackRequest{
		ID: "r1", QueryID: "q1", Text: "short", Samples: make([]int16, 4800), SampleRate: 48000,
	})
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not finish")
	}
	assert.Equal(t, 5, sink.count())

	bus.Publish(b, events.PlaybackRequested, events.PlaybackRequest{
		ID: "r2", QueryID: "q2", Text: "long", Samples: make([]int16, 48000), SampleRate: 48000,
	})
	require.Eventually(t, st.Scheduler().Playing, time.Second, 5*time.Millisecond)

	snap, err := bus.Call[Snapshot](context.Background(), b, events.OwnerPlayback, events.ServiceStatus)
	require.NoError(t, err)
	assert.True(t, snap.Playing)
	assert.Equal(t, "q2", snap.QueryID)

	bus.Publish(b, events.InterruptIssued, events.Interrupt{CauseID: "q3", TargetID: "q2", At: time.Now()})
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("interrupt did not stop playback")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == events.PlaybackIdle
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.PlaybackState{
		events.PlaybackStarted, events.PlaybackFinished, events.PlaybackIdle,
		events.PlaybackStarted, events.PlaybackInterrupted, events.PlaybackIdle,
	}, states)
}

func TestStageReportsDroppedRequest(t *testing.T) {
	b, err := bus.New(bus.WithLogger(log.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, events.Register(b))

	got := make(chan events.PlaybackStatus, 4)
	_, err = bus.Subscribe(b, events.PlaybackChanged, func(s events.PlaybackStatus) { got <- s })
	require.NoError(t, err)

	st, err := NewStage(b, DefaultConfig(), &recordingSink{}, WithLogger(log.Discard()))
	require.NoError(t, err)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(st.Stop)

	// no samples: the scheduler refuses the job
	bus.Publish(b, events.PlaybackRequested, events.PlaybackRequest{ID: "r1", QueryID: "q1", SampleRate: 48000})
	select {
	case s := <-got:
		assert.Equal(t, events.PlaybackDiscarded, s.State)
		assert.Equal(t, "r1", s.JobID)
		assert.Equal(t, "q1", s.QueryID)
	case <-time.After(time.Second):
		t.Fatal("dropped request not reported")
	}
}
