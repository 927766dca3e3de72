package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voicebus/internal/log"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
	"github.com/teslashibe/go-voicebus/pkg/inference"
)

type observed struct {
	mu        sync.Mutex
	sentences []events.Sentence
	statuses  []events.StreamStatus
}

func (o *observed) snapshot() ([]events.Sentence, []events.StreamStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.Sentence(nil), o.sentences...), append([]events.StreamStatus(nil), o.statuses...)
}

func (o *observed) terminal(queryID string) (events.StreamStatus, bool) {
	_, statuses := o.snapshot()
	for _, s := range statuses {
		if s.QueryID == queryID && s.State != events.StreamStarted {
			return s, true
		}
	}
	return events.StreamStatus{}, false
}

func newResponder(t *testing.T, provider inference.Provider) (*bus.Bus, *Responder, *observed) {
	t.Helper()
	b, err := bus.New(bus.WithLogger(log.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, events.Register(b))

	o := &observed{}
	_, err = bus.Subscribe(b, events.SentenceReady, func(s events.Sentence) {
		o.mu.Lock()
		o.sentences = append(o.sentences, s)
		o.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(b, events.StreamChanged, func(s events.StreamStatus) {
		o.mu.Lock()
		o.statuses = append(o.statuses, s)
		o.mu.Unlock()
	})
	require.NoError(t, err)

	r, err := NewResponder(b, DefaultConfig(), provider, WithLogger(log.Discard()))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return b, r, o
}

func waitTerminal(t *testing.T, o *observed, queryID string) events.StreamStatus {
	t.Helper()
	var st events.StreamStatus
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = o.terminal(queryID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestResponderStreamsSentences(t *testing.T) {
	mock := inference.NewStreamingMock("Hi", " there", ".", " How", " are", " you?")
	b, r, o := newResponder(t, mock)

	bus.Publish(b, events.QueryAccepted, events.Query{ID: "q1", Text: "hello"})
	st := waitTerminal(t, o, "q1")
	assert.Equal(t, events.StreamCompleted, st.State)
	assert.Equal(t, "Hi there. How are you?", st.Text)

	sentences, statuses := o.snapshot()
	assert.Equal(t, []events.Sentence{
		{QueryID: "q1", Index: 0, Text: "Hi there."},
		{QueryID: "q1", Index: 1, Text: "How are you?"},
	}, sentences)
	assert.Equal(t, events.StreamStarted, statuses[0].State)

	req := mock.LastCall().Request
	require.Len(t, req.Messages, 2)
	assert.Equal(t, inference.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[1].Content)

	msgs := r.History().Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, inference.NewAssistantMessage("Hi there. How are you?"), msgs[2])
}

func TestResponderInterrupt(t *testing.T) {
	mock := inference.NewMock()
	mock.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
		return inference.NewMockStream(ctx, 30*time.Millisecond, "One.", " Two.", " Three.", " Four.", " Five."), nil
	}
	b, r, o := newResponder(t, mock)

	bus.Publish(b, events.QueryAccepted, events.Query{ID: "q1", Text: "count"})
	require.Eventually(t, func() bool {
		s, _ := o.snapshot()
		return len(s) >= 2
	}, time.Second, time.Millisecond)

	bus.Publish(b, events.InterruptIssued, events.Interrupt{CauseID: "q2", TargetID: "q1", At: time.Now()})
	st := waitTerminal(t, o, "q1")
	assert.Equal(t, events.StreamInterrupted, st.State)

	sentences, _ := o.snapshot()
	assert.Less(t, len(sentences), 5, "stream ran to completion despite the interrupt")

	msgs := r.History().Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, inference.RoleSystem, last.Role)
	assert.Equal(t, "Note, Eva, you were interrupted by a user.", last.Content)
	assert.Equal(t, inference.RoleAssistant, msgs[len(msgs)-2].Role)
	assert.Equal(t, st.Text, msgs[len(msgs)-2].Content)

	// the next query streams normally
	bus.Publish(b, events.QueryAccepted, events.Query{ID: "q2", Text: "again"})
	assert.Equal(t, events.StreamCompleted, waitTerminal(t, o, "q2").State)
}

func TestResponderSkipsQueryInterruptedBeforeStart(t *testing.T) {
	release := make(chan struct{})
	mock := inference.NewMock()
	mock.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
		if req.Messages[len(req.Messages)-1].Content == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return inference.NewMockStream(ctx, 0, "Ok."), nil
	}
	b, _, o := newResponder(t, mock)

	bus.Publish(b, events.QueryAccepted, events.Query{ID: "q1", Text: "slow"})
	bus.Publish(b, events.QueryAccepted, events.Query{ID: "q2", Text: "queued"})
	bus.Publish(b, events.InterruptIssued, events.Interrupt{CauseID: "q3", TargetID: "q2"})
	close(release)

	assert.Equal(t, events.StreamCompleted, waitTerminal(t, o, "q1").State)
	assert.Equal(t, events.StreamInterrupted, waitTerminal(t, o, "q2").State)
	assert.Equal(t, 1, mock.CallCount("Stream"))
}

func TestResponderStreamFailure(t *testing.T) {
	b, r, o := newResponder(t, inference.WithError(errors.New("connection refused")))

	bus.Publish(b, events.QueryAccepted, events.Query{ID: "q1", Text: "hello"})
	assert.Equal(t, events.StreamFailed, waitTerminal(t, o, "q1").State)

	msgs := r.History().Messages()
	require.Len(t, msgs, 2, "a failed reply adds nothing after the user message")
}

func TestResponderHistoryService(t *testing.T) {
	b, _, o := newResponder(t, inference.NewStreamingMock("Sure."))

	bus.Publish(b, events.QueryAccepted, events.Query{ID: "q1", Text: "help"})
	waitTerminal(t, o, "q1")

	msgs, err := bus.Call[[]inference.Message](context.Background(), b, events.OwnerConversation, events.ServiceHistory)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Sure.", msgs[2].Content)
}
