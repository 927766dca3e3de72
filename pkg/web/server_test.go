package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voicebus/internal/log"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
	"github.com/teslashibe/go-voicebus/pkg/hub"
	"github.com/teslashibe/go-voicebus/pkg/inference"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
	"github.com/teslashibe/go-voicebus/pkg/playback"
	"github.com/teslashibe/go-voicebus/pkg/transport"
)

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.New(bus.WithLogger(log.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, events.Register(b))
	return b
}

// serveStages registers the sync services the handlers call.
func serveStages(t *testing.T, b *bus.Bus) {
	t.Helper()
	require.NoError(t, b.RegisterService(events.OwnerPlayback, events.ServiceStatus,
		func(context.Context, ...any) (any, error) {
			return playback.Snapshot{Playing: true, QueryID: "q1", Text: "Hello."}, nil
		}, bus.Sync))
	require.NoError(t, b.RegisterService(events.OwnerVAD, events.ServiceSources,
		func(context.Context, ...any) (any, error) { return []string{"mic"}, nil }, bus.Sync))
	require.NoError(t, b.RegisterService(events.OwnerConversation, events.ServiceHistory,
		func(context.Context, ...any) (any, error) {
			return []inference.Message{inference.NewUserMessage("hi"), inference.NewAssistantMessage("Hello.")}, nil
		}, bus.Sync))
}

func get(t *testing.T, s *Server, path string) (int, []byte) {
	t.Helper()
	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestStatus(t *testing.T) {
	b := testBus(t)
	serveStages(t, b)
	s := NewServer("127.0.0.1:0", b, WithLogger(log.Discard()))

	code, body := get(t, s, "/api/status")
	require.Equal(t, http.StatusOK, code)

	var st Status
	require.NoError(t, json.Unmarshal(body, &st))
	require.NotNil(t, st.Playback)
	assert.True(t, st.Playback.Playing)
	assert.Equal(t, "q1", st.Playback.QueryID)
	assert.Equal(t, []string{"mic"}, st.Sources)
	assert.Zero(t, st.PendingCalls)
}

func TestStatusWithoutStages(t *testing.T) {
	s := NewServer("127.0.0.1:0", testBus(t), WithLogger(log.Discard()))

	code, body := get(t, s, "/api/status")
	require.Equal(t, http.StatusOK, code)

	var st Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Nil(t, st.Playback)
	assert.Empty(t, st.Sources)
}

func TestIntrospection(t *testing.T) {
	b := testBus(t)
	serveStages(t, b)
	s := NewServer("127.0.0.1:0", b, WithLogger(log.Discard()))

	code, body := get(t, s, "/api/topics")
	require.Equal(t, http.StatusOK, code)
	var topics []bus.TopicInfo
	require.NoError(t, json.Unmarshal(body, &topics))
	assert.Len(t, topics, 10)

	code, body = get(t, s, "/api/services")
	require.Equal(t, http.StatusOK, code)
	var services []bus.ServiceInfo
	require.NoError(t, json.Unmarshal(body, &services))
	require.Len(t, services, 3)
	assert.Equal(t, events.OwnerConversation, services[0].Owner)
}

func TestHistory(t *testing.T) {
	b := testBus(t)
	s := NewServer("127.0.0.1:0", b, WithLogger(log.Discard()))

	code, _ := get(t, s, "/api/history")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	serveStages(t, b)
	code, body := get(t, s, "/api/history")
	require.Equal(t, http.StatusOK, code)
	var msgs []inference.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello.", msgs[1].Content)
}

func TestMetrics(t *testing.T) {
	rec := metrics.NewRecorder()
	prom := metrics.NewProm()
	provider := metrics.Tee{rec, prom}
	provider.IncCounter(metrics.Interrupts, 2)

	s := NewServer("127.0.0.1:0", testBus(t),
		WithLogger(log.Discard()),
		WithRecorder(rec),
		WithProm(prom),
		WithTurns(metrics.NewTurns(provider, 10)),
	)

	code, body := get(t, s, "/api/metrics")
	require.Equal(t, http.StatusOK, code)
	var values map[string]float64
	require.NoError(t, json.Unmarshal(body, &values))
	assert.Equal(t, 2.0, values[metrics.Interrupts])

	code, body = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "voicebus_"+metrics.Interrupts+" 2")

	code, _ = get(t, s, "/api/turns")
	assert.Equal(t, http.StatusOK, code)
}

func TestOffer(t *testing.T) {
	post := func(s *Server, body string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/rtc/offer", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	disabled := NewServer("127.0.0.1:0", testBus(t), WithLogger(log.Discard()))
	assert.Equal(t, http.StatusNotFound, post(disabled, `{"type":"offer","sdp":"v=0"}`))

	cfg := transport.DefaultRTCConfig()
	cfg.ICEServers = nil
	rtc, err := transport.NewRTC(cfg, log.Discard())
	require.NoError(t, err)
	defer rtc.Close()

	s := NewServer("127.0.0.1:0", testBus(t), WithLogger(log.Discard()), WithRTC(rtc))
	assert.Equal(t, http.StatusBadRequest, post(s, `{"type":"answer","sdp":"v=0"}`))
	assert.Equal(t, http.StatusBadRequest, post(s, `not json`))
}

func TestEventsWebSocket(t *testing.T) {
	b := testBus(t)
	s := NewServer("127.0.0.1:0", b, WithLogger(log.Discard()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Serve(ctx, ln) }()

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/events", nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(b, events.QueryAccepted, events.Query{ID: "q1", Text: "what time is it"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev hub.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, events.QueryAccepted.Name(), ev.Topic)
	var q events.Query
	require.NoError(t, json.Unmarshal(ev.Data, &q))
	assert.Equal(t, "what time is it", q.Text)

	require.NoError(t, s.Shutdown())
}
