package server

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// wsCommand is a client-to-server control message.
type wsCommand struct {
	Event    string `json:"event"`
	DeviceID string `json:"deviceId"`
}

func (s *Server) registerWS() {
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.handleWS))
}

// handleWS attaches the client as an event observer and services its
// commands until it disconnects. The subscription replays a status snapshot
// first, so the client renders a consistent view immediately.
func (s *Server) handleWS(c *websocket.Conn) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range sub.C {
			if err := c.WriteJSON(evt); err != nil {
				return
			}
		}
	}()

	for {
		var cmd wsCommand
		if err := c.ReadJSON(&cmd); err != nil {
			break
		}
		s.dispatchCommand(cmd)
	}
	// Stop the writer before ReadJSON's connection goes away entirely.
	s.bus.Unsubscribe(sub)
	<-done
}

func (s *Server) dispatchCommand(cmd wsCommand) {
	if cmd.DeviceID == "" {
		return
	}
	ctx := context.Background()
	switch cmd.Event {
	case "reconnect-device":
		if err := s.mgr.Reconnect(ctx, cmd.DeviceID); err != nil {
			s.logger.Warn("reconnect command failed", "device", cmd.DeviceID, "error", err)
		}
	case "disconnect-device":
		if err := s.mgr.Disconnect(ctx, cmd.DeviceID); err != nil {
			s.logger.Warn("disconnect command failed", "device", cmd.DeviceID, "error", err)
		}
	default:
		s.logger.Debug("ignoring unknown ws command", "event", cmd.Event)
	}
}
