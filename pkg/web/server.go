// Package web serves the pipeline's status and control API: bus
// introspection, conversation history, latency metrics, WebRTC signaling
// and a live event stream over websocket.
package web

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/hub"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
	"github.com/teslashibe/go-voicebus/pkg/transport"
)

// callTimeout bounds the bus service calls made by handlers.
const callTimeout = 2 * time.Second

// Server is the status and control server
type Server struct {
	app    *fiber.App
	addr   string
	bus    *bus.Bus
	events *hub.Hub
	logger *slog.Logger

	prom     *metrics.Prom
	recorder *metrics.Recorder
	turns    *metrics.Turns
	rtc      *transport.RTC

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithProm exposes p at /metrics.
func WithProm(p *metrics.Prom) Option {
	return func(s *Server) { s.prom = p }
}

// WithRecorder exposes r's values at /api/metrics.
func WithRecorder(r *metrics.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithTurns exposes turn latencies at /api/turns.
func WithTurns(t *metrics.Turns) Option {
	return func(s *Server) { s.turns = t }
}

// WithRTC enables WebRTC signaling at /api/rtc/offer.
func WithRTC(r *transport.RTC) Option {
	return func(s *Server) { s.rtc = r }
}

// NewServer creates a server for b listening on addr.
func NewServer(addr string, b *bus.Bus, opts ...Option) *Server {
	s := &Server{addr: addr, bus: b, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	s.events = hub.New("events", s.logger)

	app := fiber.New(fiber.Config{
		AppName:               "voicebus",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/topics", s.handleTopics)
	api.Get("/services", s.handleServices)
	api.Get("/history", s.handleHistory)
	api.Get("/metrics", s.handleMetrics)
	api.Get("/turns", s.handleTurns)
	api.Post("/rtc/offer", s.handleOffer)

	if s.prom != nil {
		app.Get("/metrics", adaptor.HTTPHandler(s.prom.Handler()))
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// Start listens on the server's address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the event hub, bridges bus events to it and serves on ln.
// It returns when the listener stops; cancelling ctx shuts the server
// down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	revoke, err := hub.Bridge(s.bus, s.events)
	if err != nil {
		ln.Close()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	s.mu.Lock()
	s.cancel, s.stopped = cancel, stopped
	s.mu.Unlock()

	go s.events.Run(ctx)
	go func() {
		defer close(stopped)
		<-ctx.Done()
		revoke()
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			s.logger.Warn("shutdown", "error", err)
		}
	}()

	s.logger.Info("status server listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// StartAsync starts the server in a goroutine
func (s *Server) StartAsync(ctx context.Context) {
	go func() {
		if err := s.Start(ctx); err != nil {
			s.logger.Error("status server", "error", err)
		}
	}()
}

// Shutdown stops the server and its event hub.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.mu.Unlock()
	if cancel == nil {
		return s.app.Shutdown()
	}
	cancel()
	<-stopped
	<-s.events.Done()
	return nil
}

// Hub returns the event hub.
func (s *Server) Hub() *hub.Hub { return s.events }
