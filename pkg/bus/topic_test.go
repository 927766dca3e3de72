package bus

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voicebus/internal/log"
)

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	opts = append([]Option{WithLogger(log.Discard())}, opts...)
	b, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRegisterFirstOwnerWins(t *testing.T) {
	b := newTestBus(t)
	topic := NewTopic[string]("speech")

	require.NoError(t, Register(b, topic, "vad"))
	require.NoError(t, Register(b, topic, "vad"), "same owner is idempotent")

	err := Register(b, topic, "asr")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTopicOwned))

	owner, ok := b.Owner("speech")
	require.True(t, ok)
	assert.Equal(t, "vad", owner)
}

func TestRegisterTypeMismatch(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, Register(b, NewTopic[string]("x"), "a"))

	err := Register(b, NewTopic[int]("x"), "a")
	assert.ErrorIs(t, err, ErrTopicType)

	_, err = Subscribe(b, NewTopic[int]("x"), func(int) {})
	assert.ErrorIs(t, err, ErrTopicType)
}

func TestPublishOrder(t *testing.T) {
	b := newTestBus(t)
	topic := NewTopic[int]("n")
	require.NoError(t, Register(b, topic, "test"))

	var got []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		_, err := Subscribe(b, topic, func(v int) { got = append(got, name) })
		require.NoError(t, err)
	}

	Publish(b, topic, 1)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestPublishUnknownTopicIsNoop(t *testing.T) {
	b := newTestBus(t)
	assert.NotPanics(t, func() {
		Publish(b, NewTopic[string]("nobody"), "hello")
	})
}

func TestSubscribeUnknownTopic(t *testing.T) {
	b := newTestBus(t)
	_, err := Subscribe(b, NewTopic[string]("nobody"), func(string) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTopic)
	assert.Equal(t, KindUnknownTopic, KindOf(err))
}

func TestRevokeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	topic := NewTopic[int]("n")
	require.NoError(t, Register(b, topic, "test"))

	var kept, revoked []int
	sub, err := Subscribe(b, topic, func(v int) { revoked = append(revoked, v) })
	require.NoError(t, err)
	_, err = Subscribe(b, topic, func(v int) { kept = append(kept, v) })
	require.NoError(t, err)

	Publish(b, topic, 1)
	sub.Revoke()
	sub.Revoke()
	Publish(b, topic, 2)

	assert.Equal(t, []int{1}, revoked)
	assert.Equal(t, []int{1, 2}, kept)
	assert.True(t, sub.Revoked())
}

func TestRevokeDuringDelivery(t *testing.T) {
	b := newTestBus(t)
	topic := NewTopic[int]("n")
	require.NoError(t, Register(b, topic, "test"))

	var second *Subscription
	var calls int
	_, err := Subscribe(b, topic, func(int) { second.Revoke() })
	require.NoError(t, err)
	second, err = Subscribe(b, topic, func(int) { calls++ })
	require.NoError(t, err)

	Publish(b, topic, 1)
	assert.Equal(t, 0, calls, "revoked before its delivery started")
}

func TestSubscriberPanicIsContained(t *testing.T) {
	b := newTestBus(t)
	topic := NewTopic[int]("n")
	require.NoError(t, Register(b, topic, "test"))

	var after bool
	_, _ = Subscribe(b, topic, func(int) { panic("boom") })
	_, _ = Subscribe(b, topic, func(int) { after = true })

	assert.NotPanics(t, func() { Publish(b, topic, 1) })
	assert.True(t, after)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	topic := NewTopic[int]("n")
	require.NoError(t, Register(b, topic, "test"))

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := Subscribe(b, topic, func(int) {
				mu.Lock()
				total++
				mu.Unlock()
			})
			if err == nil {
				sub.Revoke()
			}
		}()
		go func() {
			defer wg.Done()
			Publish(b, topic, 1)
		}()
	}
	wg.Wait()
	assert.Len(t, b.Topics(), 1)
	assert.Equal(t, 0, b.Topics()[0].Subscribers)
}

func TestTopicsIntrospection(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, Register(b, NewTopic[string]("b"), "two"))
	require.NoError(t, Register(b, NewTopic[int]("a"), "one"))

	topics := b.Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, "a", topics[0].Name)
	assert.Equal(t, "one", topics[0].Owner)
	assert.Equal(t, "int", topics[0].Type)
}
