package devserver

import (
	"sync"
	"time"

	"feedsync/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// pingPeriod must stay below pongWait.
	pingPeriod = pongWait * 9 / 10

	// Inbound frames are small control messages and echoes.
	maxMessageSize = 16 << 10

	sendBuffer = 256
)

const (
	dropFull   = "full"
	dropClosed = "closed"
)

// Client is one websocket connection registered with the hub. Frames reach
// it through an outbound queue drained by WritePump.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	UserID string

	// IncomingHandler runs on the read goroutine for every inbound frame.
	IncomingHandler func(*Client, []byte)

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// writeDone is closed when WritePump stopped using conn.
	writeDone chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		UserID: userID,
		send:   make(chan []byte, sendBuffer),

		writeDone: make(chan struct{}),
	}
}

// Serve runs both pumps and returns only once neither uses the connection.
// The websocket handler must not return earlier: the connection is recycled
// as soon as it does.
func (c *Client) Serve() {
	go c.WritePump()
	c.ReadPump()
	<-c.writeDone
}

// ReadPump reads frames until the peer goes away, then unregisters c.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeSend()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.GlobalLogger.Warn("devserver read failed", "user_id", c.UserID, "error", err)
			}
			return
		}
		if c.IncomingHandler != nil {
			c.IncomingHandler(c, frame)
		}
	}
}

// WritePump writes queued frames and keepalive pings. It sends a close
// frame and returns once the hub closes the queue.
func (c *Client) WritePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
		close(c.writeDone)
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues frame without blocking and reports whether it was queued.
// A full queue or an unregistered client drops the frame.
func (c *Client) TrySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		observability.DevServerBackpressureDrops.WithLabelValues(dropClosed).Inc()
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		observability.DevServerBackpressureDrops.WithLabelValues(dropFull).Inc()
		observability.GlobalLogger.Warn("devserver queue full, frame dropped", "user_id", c.UserID)
		return false
	}
}

// closeSend closes the outbound queue once; WritePump then says goodbye.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
