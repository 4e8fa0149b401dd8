package transport

import (
	"feedsync/internal/events"
	"feedsync/internal/models"
)

// RoomKind distinguishes the broadcast groups a connection can belong to.
type RoomKind int

const (
	// RoomKindUser is the personal notification room.
	RoomKindUser RoomKind = iota
	// RoomKindPost streams comments for one post.
	RoomKindPost
	// RoomKindConversation carries direct messages for one pair of users.
	RoomKindConversation
)

// Room is a logical broadcast group on the transport.
type Room struct {
	Kind  RoomKind
	ID    string
	Other string
}

// UserRoom is the personal room of userID.
func UserRoom(userID string) Room { return Room{Kind: RoomKindUser, ID: userID} }

// PostRoom is the comment stream of postID.
func PostRoom(postID string) Room { return Room{Kind: RoomKindPost, ID: postID} }

// ConversationRoom is the direct-message room of the pair {me, other}.
func ConversationRoom(me, other string) Room {
	return Room{Kind: RoomKindConversation, ID: me, Other: other}
}

// Key identifies the room regardless of how it was constructed.
func (r Room) Key() string {
	switch r.Kind {
	case RoomKindPost:
		return "post:" + r.ID
	case RoomKindConversation:
		return "dm:" + models.ConversationKey(r.ID, r.Other)
	default:
		return "user:" + r.ID
	}
}

func (r Room) joinFrame() ([]byte, error) {
	switch r.Kind {
	case RoomKindPost:
		return events.Encode(events.PostJoin, r.ID)
	case RoomKindConversation:
		return events.Encode(events.DMJoin, events.ConversationPayload{Me: r.ID, Other: r.Other})
	default:
		return events.Encode(events.Join, r.ID)
	}
}

// leaveFrame returns nil for the user room, which lives as long as the connection.
func (r Room) leaveFrame() ([]byte, error) {
	switch r.Kind {
	case RoomKindPost:
		return events.Encode(events.PostLeave, r.ID)
	case RoomKindConversation:
		return events.Encode(events.DMLeave, events.ConversationPayload{Me: r.ID, Other: r.Other})
	default:
		return nil, nil
	}
}
