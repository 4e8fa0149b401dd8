// Package transport maintains the persistent realtime connection of a session
// and exposes publish/subscribe keyed by event name.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"feedsync/internal/events"
	"feedsync/internal/models"
	"feedsync/internal/observability"
	"feedsync/internal/session"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned by Emit while there is no live connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrSendBufferFull is returned by Emit when the outbound buffer is saturated.
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// State of the connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	// StateFailed means reconnecting stopped: retries exhausted or the
	// credential was rejected. The feed stays usable in fetch-only mode.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives one decoded event.
type Handler func(events.Event)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	Name events.Name
	ID   uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Conn is one persistent connection per authenticated session. Handlers run
// sequentially on the read goroutine in arrival order; they never run
// concurrently with each other.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint string
	sess     *session.Session
	settings *Settings
	logger   *observability.TransportLogger

	mu       sync.Mutex
	handlers map[events.Name][]handlerEntry
	nextID   uint64
	rooms    map[string]Room
	send     chan []byte
	state    State
	watchers []func(State)

	closeOnce sync.Once
	done      chan struct{}
}

// Connect starts the connection loop and returns immediately. An unreachable
// endpoint is not an error: the connection stays disconnected while the
// reconnect policy runs. Callers must Close the connection on every exit path.
func Connect(ctx context.Context, endpoint string, sess *session.Session, settings *Settings) *Conn {
	if settings == nil {
		settings = DefaultSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		ctx:      cancelCtx,
		cancel:   cancel,
		endpoint: endpoint,
		sess:     sess,
		settings: settings,
		logger:   observability.NewTransportLogger("client transport"),
		handlers: make(map[events.Name][]handlerEntry),
		rooms:    make(map[string]Room),
		state:    StateConnecting,
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn for every subsequent state transition. fn runs on
// a transport goroutine and must not block.
func (c *Conn) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

// On registers handler for name.
func (c *Conn) On(name events.Name, handler Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[name] = append(c.handlers[name], handlerEntry{id: c.nextID, fn: handler})
	return Subscription{Name: name, ID: c.nextID}
}

// Off unregisters a handler. Unknown subscriptions are ignored.
func (c *Conn) Off(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.handlers[sub.Name]
	for i, e := range entries {
		if e.id == sub.ID {
			c.handlers[sub.Name] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(c.handlers[sub.Name]) == 0 {
		delete(c.handlers, sub.Name)
	}
}

// JoinRoom adds the connection to room. The membership is remembered and
// re-announced after every reconnect.
func (c *Conn) JoinRoom(room Room) error {
	frame, err := room.joinFrame()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rooms[room.Key()] = room
	send := c.send
	c.mu.Unlock()

	c.logger.LogLifecycle(c.ctx, "room_join", map[string]interface{}{"room": room.Key()})
	if send != nil {
		c.enqueue(send, frame, "join")
	}
	return nil
}

// LeaveRoom releases room.
func (c *Conn) LeaveRoom(room Room) error {
	frame, err := room.leaveFrame()
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.rooms, room.Key())
	send := c.send
	c.mu.Unlock()

	c.logger.LogLifecycle(c.ctx, "room_leave", map[string]interface{}{"room": room.Key()})
	if send != nil && frame != nil {
		c.enqueue(send, frame, "leave")
	}
	return nil
}

// Rooms returns the keys of the rooms currently joined.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.rooms))
	for k := range c.rooms {
		keys = append(keys, k)
	}
	return keys
}

// Emit is a best-effort, fire-and-forget push. No delivery acknowledgment exists.
func (c *Conn) Emit(name events.Name, payload interface{}) error {
	frame, err := events.Encode(name, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		observability.TransportEmitDrops.WithLabelValues("disconnected").Inc()
		return ErrNotConnected
	}
	if !c.enqueue(send, frame, string(name)) {
		return ErrSendBufferFull
	}
	c.logger.LogEvent(c.ctx, c.userID(), "out", string(name))
	return nil
}

// Close disconnects and releases all subscriptions. It is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		c.mu.Lock()
		c.handlers = make(map[events.Name][]handlerEntry)
		c.mu.Unlock()
		c.setState(StateClosed)
	})
}

func (c *Conn) enqueue(send chan []byte, frame []byte, kind string) bool {
	select {
	case send <- frame:
		return true
	default:
		observability.TransportEmitDrops.WithLabelValues("buffer_full").Inc()
		c.logger.LogError(c.ctx, c.userID(), ErrSendBufferFull, kind)
		return false
	}
}

func (c *Conn) userID() string {
	if c.sess == nil {
		return ""
	}
	return c.sess.UserID
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	watchers := slices.Clone(c.watchers)
	c.mu.Unlock()

	observability.SetConnected(s == StateConnected)
	c.logger.LogLifecycle(c.ctx, "state", map[string]interface{}{"state": s.String()})
	for _, fn := range watchers {
		fn(s)
	}
}

func (c *Conn) run() {
	defer close(c.done)

	b := c.settings.Reconnect.newBackOff()
	failures := 0

	for {
		c.setState(StateConnecting)
		ws, err := c.dial()
		if err == nil {
			b.Reset()
			failures = 0
			c.serve(ws)
			if c.ctx.Err() != nil {
				return
			}
			c.logger.LogDisconnect(c.ctx, c.userID(), "connection lost")
		} else {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.LogError(c.ctx, c.userID(), err, "dial")
			if models.IsCode(err, models.CodeUnauthorized) {
				c.setState(StateFailed)
				return
			}
			failures++
			if max := c.settings.Reconnect.MaxRetries; max > 0 && failures > max {
				c.logger.LogLifecycle(c.ctx, "reconnect_exhausted", map[string]interface{}{"attempts": failures})
				c.setState(StateFailed)
				return
			}
		}

		c.setState(StateDisconnected)
		wait := b.NextBackOff()
		c.logger.LogLifecycle(c.ctx, "reconnect_scheduled", map[string]interface{}{"wait": wait.String()})
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
		observability.TransportReconnectAttempts.Inc()
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, models.NewValidationError(fmt.Sprintf("invalid websocket endpoint %q", c.endpoint))
	}
	header := http.Header{}
	if c.sess != nil && c.sess.Token != "" {
		header.Set("Authorization", c.sess.Authorization())
		q := u.Query()
		q.Set("token", c.sess.Token)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.DefaultDialer
	if c.settings.Dialer != nil {
		dialer = c.settings.Dialer
	}
	d := *dialer
	d.HandshakeTimeout = c.settings.HandshakeTimeout

	ws, resp, err := d.DialContext(c.ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, models.NewUnauthorizedError(fmt.Sprintf("websocket handshake rejected with status %d", resp.StatusCode))
		}
		return nil, models.NewNetworkError("websocket dial failed", err)
	}
	return ws, nil
}

// serve runs the pumps for one live connection and returns when it ends.
func (c *Conn) serve(ws *websocket.Conn) {
	connCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	// The send channel is never closed: a late Emit into a dead connection's
	// channel is simply dropped with it.
	send := make(chan []byte, c.settings.SendBuffer)

	c.mu.Lock()
	c.send = send
	rooms := make([]Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		if frame, err := r.joinFrame(); err == nil {
			c.enqueue(send, frame, "rejoin")
		}
	}

	c.logger.LogConnect(c.ctx, c.userID(), c.endpoint)
	c.setState(StateConnected)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(connCtx, ws, send)
	}()

	c.readPump(ws)
	cancel()
	<-writerDone

	c.mu.Lock()
	if c.send == send {
		c.send = nil
	}
	c.mu.Unlock()
}

func (c *Conn) readPump(ws *websocket.Conn) {
	defer func() { _ = ws.Close() }()

	ws.SetReadLimit(c.settings.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		return nil
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				c.logger.LogError(c.ctx, c.userID(), err, "read")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.settings.PongWait))

		ev, err := events.Decode(frame)
		if err != nil {
			observability.TransportMalformedEvents.WithLabelValues("decode").Inc()
			c.logger.LogError(c.ctx, c.userID(), err, "decode")
			continue
		}
		observability.TransportEventsTotal.WithLabelValues(string(ev.EventName())).Inc()
		c.logger.LogEvent(c.ctx, c.userID(), "in", string(ev.EventName()))
		c.dispatch(ev)
	}
}

func (c *Conn) dispatch(ev events.Event) {
	c.mu.Lock()
	entries := append([]handlerEntry(nil), c.handlers[ev.EventName()]...)
	c.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.LogError(c.ctx, c.userID(), fmt.Errorf("handler panic: %v\n%s", r, debug.Stack()), string(ev.EventName()))
				}
			}()
			e.fn(ev)
		}()
	}
}

func (c *Conn) writePump(ctx context.Context, ws *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.LogError(c.ctx, c.userID(), err, "write")
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
