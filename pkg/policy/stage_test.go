package policy

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
	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// record is one observed output of the stage, in publish order.
type record struct {
	kind  string
	id    string
	cause string
}

type harness struct {
	bus     *bus.Bus
	stage   *Stage
	metrics *metrics.Recorder

	mu  sync.Mutex
	out []record
}

func newHarness(t *testing.T, c Classifier) *harness {
	t.Helper()
	b, err := bus.New(bus.WithLogger(log.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, events.Register(b))

	h := &harness{bus: b, metrics: metrics.NewRecorder()}
	_, err = bus.Subscribe(b, events.InterruptIssued, func(i events.Interrupt) {
		h.add(record{kind: "interrupt", id: i.TargetID, cause: i.CauseID})
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(b, events.QueryAccepted, func(q events.Query) {
		h.add(record{kind: "accepted", id: q.ID})
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ClassifyTimeout = 200 * time.Millisecond
	h.stage, err = NewStage(b, cfg, c, WithLogger(log.Discard()), WithMetrics(h.metrics))
	require.NoError(t, err)
	require.NoError(t, h.stage.Start(context.Background()))
	t.Cleanup(h.stage.Stop)
	return h
}

func (h *harness) add(r record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.out = append(h.out, r)
}

func (h *harness) records() []record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]record(nil), h.out...)
}

func (h *harness) waitFor(t *testing.T, n int) []record {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.records()) >= n }, time.Second, 5*time.Millisecond)
	return h.records()
}

func TestStageForwardsWhenIdle(t *testing.T) {
	h := newHarness(t, fixedVerdict(Discard))

	bus.Publish(h.bus, events.QueryTranscribed, query("q1", "hi"))
	got := h.waitFor(t, 1)
	assert.Equal(t, []record{{kind: "accepted", id: "q1"}}, got)
}

func TestStageInterruptBeforeAccept(t *testing.T) {
	var calls []Input
	var mu sync.Mutex
	h := newHarness(t, ClassifierFunc(func(ctx context.Context, in Input) (Verdict, error) {
		mu.Lock()
		calls = append(calls, in)
		mu.Unlock()
		return Verdict{Action: Interrupt, Reason: "correction"}, nil
	}))

	bus.Publish(h.bus, events.QueryTranscribed, query("q1", "tell me a story"))
	h.waitFor(t, 1)
	bus.Publish(h.bus, events.StreamChanged, events.StreamStatus{QueryID: "q1", State: events.StreamStarted})
	bus.Publish(h.bus, events.PlaybackChanged, events.PlaybackStatus{
		State: events.PlaybackStarted, QueryID: "q1", Expected: 2 * time.Second, At: time.Now(),
	})

	bus.Publish(h.bus, events.QueryTranscribed, query("q2", "wait, stop"))
	got := h.waitFor(t, 3)
	assert.Equal(t, []record{
		{kind: "accepted", id: "q1"},
		{kind: "interrupt", id: "q1", cause: "q2"},
		{kind: "accepted", id: "q2"},
	}, got)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, "tell me a story", calls[0].Previous)
	assert.Equal(t, "wait, stop", calls[0].Current)
	assert.Contains(t, calls[0].Progress, "Currently playing")

	prev, ok := h.stage.Policy().Tracker().Previous()
	require.True(t, ok)
	assert.Equal(t, "q2", prev.ID)
}

func TestStageDiscardsAndDrops(t *testing.T) {
	h := newHarness(t, fixedVerdict(Discard))

	bus.Publish(h.bus, events.QueryTranscribed, query("q1", "tell me a story"))
	h.waitFor(t, 1)

	bus.Publish(h.bus, events.QueryTranscribed, query("q2", "uh huh"))
	bus.Publish(h.bus, events.QueryTranscribed, events.Query{ID: "q3", Text: "mm", Language: "en", Confidence: 0.2})
	require.Eventually(t, func() bool {
		return h.metrics.Get(metrics.QueriesDiscarded) == 1 && h.metrics.Get(metrics.QueriesDropped) == 1
	}, time.Second, 5*time.Millisecond)

	// once the first reply is done the next query goes straight through
	bus.Publish(h.bus, events.StreamChanged, events.StreamStatus{QueryID: "q1", State: events.StreamCompleted})
	bus.Publish(h.bus, events.QueryTranscribed, query("q4", "thanks"))

	got := h.waitFor(t, 2)
	assert.Equal(t, []record{
		{kind: "accepted", id: "q1"},
		{kind: "accepted", id: "q4"},
	}, got)
	assert.Equal(t, float64(2), h.metrics.Get(metrics.QueriesAccepted))
}

func TestStageClassifierTimeoutDiscards(t *testing.T) {
	h := newHarness(t, ClassifierFunc(func(ctx context.Context, in Input) (Verdict, error) {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	}))

	bus.Publish(h.bus, events.QueryTranscribed, query("q1", "tell me a story"))
	h.waitFor(t, 1)
	bus.Publish(h.bus, events.QueryTranscribed, query("q2", "stop"))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, []record{{kind: "accepted", id: "q1"}}, h.records())
	assert.Equal(t, 0, h.bus.Pending(), "timed out call left on the bus")
}

func TestStageClassifyService(t *testing.T) {
	h := newHarness(t, fixedVerdict(Interrupt))

	_, fut, err := h.bus.CallAsync(context.Background(), events.OwnerPolicy, events.ServiceClassify, "a", "b", "No speech currently playing")
	require.NoError(t, err)
	v, err := bus.Await[Verdict](context.Background(), fut)
	require.NoError(t, err)
	assert.Equal(t, Interrupt, v.Action)

	_, fut, err = h.bus.CallAsync(context.Background(), events.OwnerPolicy, events.ServiceClassify, "only one")
	require.NoError(t, err)
	_, err = fut.Wait(context.Background())
	assert.Error(t, err)
}
