package devserver

import (
	"context"
	"encoding/json"

	"feedsync/internal/events"
	"feedsync/internal/models"
	"feedsync/internal/transport"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// upgradeRequired rejects plain HTTP requests to the websocket route.
func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocketHandler serves GET /ws. Authentication runs before the upgrade.
func (s *Server) WebSocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		ctx := context.Background()

		userID, _ := conn.Locals(localUserID).(string)
		if userID == "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}

		client, err := s.hub.Register(userID, conn)
		if err != nil {
			s.log.LogError(ctx, userID, err, "register")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
			_ = conn.Close()
			return
		}
		s.log.LogConnect(ctx, userID, "/ws")
		defer s.log.LogDisconnect(ctx, userID, "read loop ended")

		client.IncomingHandler = func(c *Client, frame []byte) {
			s.handleFrame(ctx, c, frame)
		}

		client.Serve()
	})
}

// handleFrame applies one client frame. Room membership is only granted for
// rooms the client's user belongs to.
func (s *Server) handleFrame(ctx context.Context, c *Client, frame []byte) {
	var env events.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		s.log.LogError(ctx, c.UserID, models.NewMalformedPayloadError("invalid envelope", err), "")
		return
	}
	s.log.LogEvent(ctx, c.UserID, "inbound", string(env.Type))

	switch env.Type {
	case events.Join:
		var userID string
		if json.Unmarshal(env.Payload, &userID) != nil || userID != c.UserID {
			return
		}
		s.hub.Join(c, transport.UserRoom(userID).Key())

	case events.PostJoin, events.PostLeave:
		var postID string
		if json.Unmarshal(env.Payload, &postID) != nil || postID == "" {
			return
		}
		key := transport.PostRoom(postID).Key()
		if env.Type == events.PostJoin {
			s.hub.Join(c, key)
		} else {
			s.hub.Leave(c, key)
		}

	case events.DMJoin, events.DMLeave:
		var p events.ConversationPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.Me != c.UserID || p.Other == "" || p.Other == p.Me {
			return
		}
		key := transport.ConversationRoom(p.Me, p.Other).Key()
		if env.Type == events.DMJoin {
			s.hub.Join(c, key)
		} else {
			s.hub.Leave(c, key)
		}

	case events.PostNew, events.PostLike:
		// Echoes only name the post; the stored record is what gets broadcast.
		var ref struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(env.Payload, &ref) != nil || ref.ID == "" || models.IsProvisional(ref.ID) {
			return
		}
		post, err := s.repo.GetPost(ctx, ref.ID)
		if err != nil {
			s.log.LogError(ctx, c.UserID, err, string(env.Type))
			return
		}
		s.broadcastPost(ctx, env.Type, post)

	default:
		s.log.LogError(ctx, c.UserID, models.NewMalformedPayloadError("unsupported client event "+string(env.Type), nil), string(env.Type))
	}
}
