package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	// URL is the audio server, e.g. ws://localhost:8765/audio.
	URL string `mapstructure:"url"`

	// Source names inbound frames.
	Source string `mapstructure:"source"`

	// Input is the format of inbound binary messages.
	Input audioio.Format `mapstructure:"input"`

	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// ReadTimeout closes the link when nothing arrives for this long.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout bounds one frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Header is sent with the handshake.
	Header http.Header `mapstructure:"-"`
}

// DefaultWebSocketConfig returns the default configuration.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		URL:              "ws://localhost:8765/audio",
		Source:           "websocket",
		Input:            audioio.DefaultInputFormat(),
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      120 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Validate checks the configuration.
func (c WebSocketConfig) Validate() error {
	if c.URL == "" {
		return errors.New("transport: websocket url is required")
	}
	if c.Source == "" {
		return errors.New("transport: websocket source is required")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("transport: websocket timeouts must be positive")
	}
	return c.Input.Validate()
}

// WebSocket is a client Transport exchanging binary PCM16 messages with an
// audio server. Inbound messages may have any length; they are regrouped
// into frames of the input format.
type WebSocket struct {
	cfg     WebSocketConfig
	logger  *slog.Logger
	handler handlerSlot
	ended   endSlot

	ws   *websocket.Conn
	wsMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	reading bool
	done    chan struct{}
}

// NewWebSocket creates an unconnected WebSocket transport.
func NewWebSocket(cfg WebSocketConfig, logger *slog.Logger) (*WebSocket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		cfg:    cfg,
		logger: logger.With("component", "transport.websocket", "url", cfg.URL),
		done:   make(chan struct{}),
	}, nil
}

// DialWebSocket creates a WebSocket transport and connects it.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig, logger *slog.Logger) (*WebSocket, error) {
	t, err := NewWebSocket(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Connect dials the server and starts reading. Set the frame handler
// first to receive the earliest audio.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.ws != nil || t.closed {
		t.mu.Unlock()
		return errors.New("transport: websocket already used")
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		return fmt.Errorf("transport: connect %s: %w", t.cfg.URL, err)
	}

	readTimeout := t.cfg.ReadTimeout
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		t.wsMu.Lock()
		defer t.wsMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	t.mu.Lock()
	t.ws = ws
	t.reading = true
	t.mu.Unlock()

	go t.readLoop()
	if t.cfg.PingInterval > 0 {
		go t.keepAlive()
	}
	t.logger.Info("connected")
	return nil
}

// SendFrame writes pcm as one binary message.
func (t *WebSocket) SendFrame(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.Connected() {
		return ErrNotConnected
	}
	t.wsMu.Lock()
	defer t.wsMu.Unlock()
	t.ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := t.ws.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

// OnFrame sets the inbound frame handler.
func (t *WebSocket) OnFrame(h FrameHandler) { t.handler.set(h) }

// OnStreamEnd sets the handler called once the read loop exits.
func (t *WebSocket) OnStreamEnd(h EndHandler) { t.ended.set(h) }

// Connected reports whether the socket is open.
func (t *WebSocket) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.reading
}

// Done is closed when the read loop exits.
func (t *WebSocket) Done() <-chan struct{} { return t.done }

// Close sends a close message and closes the socket.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ws := t.ws
	t.mu.Unlock()

	if ws == nil {
		return nil
	}
	t.wsMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.wsMu.Unlock()
	err := ws.Close()
	<-t.done
	return err
}

func (t *WebSocket) readLoop() {
	defer close(t.done)
	defer t.ended.emit(t.cfg.Source)
	defer func() {
		t.mu.Lock()
		t.reading = false
		t.mu.Unlock()
	}()

	fr := newFramer(t.cfg.Input.FrameSamples())
	for {
		t.ws.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		kind, msg, err := t.ws.ReadMessage()
		if err != nil {
			if !t.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("read failed", "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			t.logger.Debug("ignoring text message", "bytes", len(msg))
			continue
		}
		now := time.Now()
		for i, samples := range fr.push(audioio.BytesToSamples(msg)) {
			t.handler.emit(audioio.Frame{
				Source:     t.cfg.Source,
				Samples:    samples,
				SampleRate: t.cfg.Input.SampleRate,
				Timestamp:  now.Add(time.Duration(i) * t.cfg.Input.FrameDuration),
			})
		}
	}
}

func (t *WebSocket) keepAlive() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.wsMu.Lock()
			err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			t.wsMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WebSocket) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Verify WebSocket implements Transport at compile time.
var (
	_ Transport   = (*WebSocket)(nil)
	_ StreamEnder = (*WebSocket)(nil)
)
