package devserver

import (
	"context"
	"errors"
	"sync"

	"feedsync/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	maxConnsPerUser = 12
	maxTotalConns   = 10000
)

// Hub tracks websocket clients and the rooms they joined. Room keys are the
// ones the client transport uses: user:<id>, post:<id>, dm:<a>:<b>.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]map[string]struct{}
	perUser map[string]int
	rooms   map[string]map[*Client]struct{}

	notifier *Notifier
}

// NewHub creates a Hub. When notifier is enabled, publishes go through Redis
// and local delivery happens in the subscriber started by StartWiring.
func NewHub(notifier *Notifier) *Hub {
	return &Hub{
		clients:  make(map[*Client]map[string]struct{}),
		perUser:  make(map[string]int),
		rooms:    make(map[string]map[*Client]struct{}),
		notifier: notifier,
	}
}

// Register admits a connection for userID or returns an error when a
// connection limit is reached.
func (h *Hub) Register(userID string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= maxTotalConns {
		return nil, errors.New("server connection limit reached")
	}
	if h.perUser[userID] >= maxConnsPerUser {
		return nil, errors.New("user connection limit reached")
	}

	client := newClient(h, conn, userID)
	h.clients[client] = make(map[string]struct{})
	h.perUser[userID]++
	observability.DevServerConnections.Inc()
	return client, nil
}

// Unregister removes the client from every room and closes its send queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	joined, ok := h.clients[c]
	if ok {
		for key := range joined {
			h.leaveLocked(c, key)
		}
		delete(h.clients, c)
		h.perUser[c.UserID]--
		if h.perUser[c.UserID] <= 0 {
			delete(h.perUser, c.UserID)
		}
	}
	h.mu.Unlock()

	if ok {
		observability.DevServerConnections.Dec()
		c.closeSend()
	}
}

// Join adds the client to a room. Joining twice is a no-op.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined, ok := h.clients[c]
	if !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	joined[room] = struct{}{}
}

// Leave removes the client from a room.
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.clients[c]; ok {
		delete(joined, room)
	}
}

// InRoom reports whether the client joined room.
func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[c][room]
	return ok
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendRoom delivers a frame to room members, through Redis when enabled.
func (h *Hub) SendRoom(ctx context.Context, room string, frame []byte) {
	h.send(ctx, room, frame)
}

// SendAll delivers a frame to every connection, through Redis when enabled.
func (h *Hub) SendAll(ctx context.Context, frame []byte) {
	h.send(ctx, allRooms, frame)
}

// send publishes only when Redis is on; the subscriber then delivers
// locally, so each connection sees a frame once.
func (h *Hub) send(ctx context.Context, room string, frame []byte) {
	if !h.notifier.Enabled() {
		h.deliver(room, frame)
		return
	}
	if err := h.notifier.Publish(ctx, room, frame); err != nil {
		observability.GlobalLogger.ErrorContext(ctx, "devserver publish failed", "room", room, "error", err)
	}
}

func (h *Hub) deliver(room string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room == allRooms {
		for c := range h.clients {
			c.TrySend(frame)
		}
		return
	}
	for c := range h.rooms[room] {
		c.TrySend(frame)
	}
}

// StartWiring subscribes the hub to frames published by any process.
func (h *Hub) StartWiring(ctx context.Context) error {
	return h.notifier.Subscribe(ctx, h.deliver)
}

// Shutdown closes every client's send queue; each write pump then sends a
// close frame and drops its connection.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeSend()
	}
	return nil
}
