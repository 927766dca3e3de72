package web

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
	"github.com/teslashibe/go-voicebus/pkg/hub"
	"github.com/teslashibe/go-voicebus/pkg/inference"
	"github.com/teslashibe/go-voicebus/pkg/playback"
	"github.com/teslashibe/go-voicebus/pkg/transport"
)

// Status is the pipeline summary served at /api/status.
type Status struct {
	Playback     *playback.Snapshot `json:"playback,omitempty"`
	Sources      []string           `json:"sources"`
	PendingCalls int                `json:"pending_calls"`
	Clients      int                `json:"clients"`
	Peers        []string           `json:"peers,omitempty"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), callTimeout)
	defer cancel()

	st := Status{
		Sources:      []string{},
		PendingCalls: s.bus.Pending(),
		Clients:      s.events.ClientCount(),
	}
	if snap, err := bus.Call[playback.Snapshot](ctx, s.bus, events.OwnerPlayback, events.ServiceStatus); err == nil {
		st.Playback = &snap
	}
	if sources, err := bus.Call[[]string](ctx, s.bus, events.OwnerVAD, events.ServiceSources); err == nil {
		st.Sources = sources
	}
	if s.rtc != nil {
		st.Peers = s.rtc.Peers()
	}
	return c.JSON(st)
}

func (s *Server) handleTopics(c *fiber.Ctx) error {
	return c.JSON(s.bus.Topics())
}

func (s *Server) handleServices(c *fiber.Ctx) error {
	return c.JSON(s.bus.Services())
}

// handleHistory returns the conversation so far
func (s *Server) handleHistory(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), callTimeout)
	defer cancel()

	msgs, err := bus.Call[[]inference.Message](ctx, s.bus, events.OwnerConversation, events.ServiceHistory)
	if err != nil {
		status := fiber.StatusInternalServerError
		if bus.KindOf(err) == bus.KindUnknownService {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(msgs)
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	if s.recorder == nil {
		return c.JSON(fiber.Map{})
	}
	return c.JSON(s.recorder.Values())
}

// handleTurns returns recent turn latencies and their average
func (s *Server) handleTurns(c *fiber.Ctx) error {
	if s.turns == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "turn tracking disabled"})
	}
	return c.JSON(fiber.Map{
		"turns":   s.turns.History(),
		"average": s.turns.Average(),
	})
}

// handleOffer answers a WebRTC offer
func (s *Server) handleOffer(c *fiber.Ctx) error {
	if s.rtc == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "webrtc disabled"})
	}

	var offer transport.SessionDescription
	if err := c.BodyParser(&offer); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	answer, err := s.rtc.HandleOffer(c.UserContext(), offer)
	switch {
	case err == nil:
		return c.JSON(answer)
	case errors.Is(err, transport.ErrInvalidOffer):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, transport.ErrTooManyPeers):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, transport.ErrClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	default:
		s.logger.Warn("webrtc offer failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}

// handleEventsWS streams bus events to the client until it disconnects
func (s *Server) handleEventsWS(c *websocket.Conn) {
	client := hub.NewClient(s.events, c)
	if client == nil {
		c.Close()
		return
	}
	client.Run()
}
