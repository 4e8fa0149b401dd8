// Package events defines the realtime event names, the wire envelope, and the
// validated payload variants delivered to feed components.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"

	"feedsync/internal/models"
)

// Name identifies an event on the wire.
type Name string

// Event name constants prevent typos in event names.
const (
	Join        Name = "join"
	PostJoin    Name = "post:join"
	PostLeave   Name = "post:leave"
	PostNew     Name = "post:new"
	PostLike    Name = "post:like"
	PostComment Name = "post:comment"
	DMJoin      Name = "dm:join"
	DMLeave     Name = "dm:leave"
	DMNew       Name = "dm:new"
)

// Envelope is the frame exchanged over the websocket.
type Envelope struct {
	Type    Name            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is a decoded, validated server-to-client event.
type Event interface {
	EventName() Name
}

// PostEvent carries a full canonical post for post:new, post:like and post:comment.
type PostEvent struct {
	Kind Name
	Post models.Post
}

// EventName implements Event.
func (e PostEvent) EventName() Name { return e.Kind }

// MessageEvent carries a direct message for dm:new.
type MessageEvent struct {
	Message models.Message
}

// EventName implements Event.
func (MessageEvent) EventName() Name { return DMNew }

// ConversationPayload is the body of dm:join and dm:leave.
type ConversationPayload struct {
	Me    string `json:"me"`
	Other string `json:"other"`
}

// Encode builds a wire frame for name with the given payload.
func Encode(name Name, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return json.Marshal(Envelope{Type: name, Payload: raw})
}

// Decode parses a frame into a validated Event. Unknown event names and
// payloads that fail validation return a MALFORMED_PAYLOAD AppError so the
// caller can log and drop them.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, models.NewMalformedPayloadError("invalid envelope", err)
	}
	if len(bytes.TrimSpace(env.Payload)) == 0 || bytes.Equal(bytes.TrimSpace(env.Payload), []byte("null")) {
		return nil, models.NewMalformedPayloadError(fmt.Sprintf("%s: empty payload", env.Type), nil)
	}

	switch env.Type {
	case PostNew, PostLike, PostComment:
		var post models.Post
		if err := json.Unmarshal(env.Payload, &post); err != nil {
			return nil, models.NewMalformedPayloadError(fmt.Sprintf("%s: invalid post", env.Type), err)
		}
		if err := post.Validate(); err != nil {
			return nil, models.NewMalformedPayloadError(fmt.Sprintf("%s: invalid post", env.Type), err)
		}
		post.Normalize()
		return PostEvent{Kind: env.Type, Post: post}, nil
	case DMNew:
		var msg models.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, models.NewMalformedPayloadError("dm:new: invalid message", err)
		}
		if err := msg.Validate(); err != nil {
			return nil, models.NewMalformedPayloadError("dm:new: invalid message", err)
		}
		return MessageEvent{Message: msg}, nil
	case "":
		return nil, models.NewMalformedPayloadError("missing event type", nil)
	default:
		return nil, models.NewMalformedPayloadError(fmt.Sprintf("unknown event %q", env.Type), nil)
	}
}
