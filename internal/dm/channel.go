// Package dm implements the direct-message channel: one open conversation at
// a time, filtered delivery and optimistic sends.
package dm

import (
	"context"
	"strings"
	"sync"
	"time"

	"feedsync/internal/events"
	"feedsync/internal/feed"
	"feedsync/internal/models"
	"feedsync/internal/observability"
	"feedsync/internal/session"
	"feedsync/internal/transport"

	"go.opentelemetry.io/otel/attribute"
)

// State of the channel.
type State int

const (
	StateClosed State = iota
	StateJoining
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// API is the subset of the REST collaborator the channel needs.
type API interface {
	SendMessage(ctx context.Context, otherUserID, content string) (*models.Message, error)
	ListMessages(ctx context.Context, otherUserID string) ([]models.Message, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

// Transport is the subset of the realtime connection the channel needs.
type Transport interface {
	On(name events.Name, handler transport.Handler) transport.Subscription
	Off(sub transport.Subscription)
	JoinRoom(room transport.Room) error
	LeaveRoom(room transport.Room) error
}

// FilterIncoming reports whether msg belongs to the conversation between
// selfID and otherID. A connection may carry messages of several
// conversations, so every delivery is filtered.
func FilterIncoming(msg models.Message, selfID, otherID string) bool {
	if selfID == "" || otherID == "" {
		return false
	}
	return msg.Between(selfID, otherID)
}

// Channel is the direct-message view for the current session.
type Channel struct {
	api      API
	tr       Transport
	selfID   string
	notifier feed.Notifier
	tracker  *feed.Tracker

	mu       sync.Mutex
	state    State
	other    string
	gen      uint64
	sub      *transport.Subscription
	messages []models.Message
}

// NewChannel creates a closed channel for sess.
func NewChannel(api API, tr Transport, sess *session.Session, notifier feed.Notifier) (*Channel, error) {
	if err := sess.Check(time.Now()); err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = feed.LogNotifier{}
	}
	return &Channel{
		api:      api,
		tr:       tr,
		selfID:   sess.UserID,
		notifier: notifier,
		tracker:  feed.NewTracker(),
	}, nil
}

// Open switches the channel to the conversation with otherID, releasing the
// previous conversation room, and loads its history. A history failure is
// reported but leaves the channel open for live messages.
func (ch *Channel) Open(ctx context.Context, otherID string) (err error) {
	span, ctx := observability.NewSpan(ctx, "dm.open", attribute.String("dm.other", otherID))
	defer func() {
		span.SetError(err)
		span.End()
	}()

	otherID = strings.TrimSpace(otherID)
	if otherID == "" || otherID == ch.selfID {
		return models.NewValidationError("a different chat partner is required")
	}

	ch.mu.Lock()
	if ch.state != StateClosed && ch.other == otherID {
		ch.mu.Unlock()
		return nil
	}
	prev := ""
	if ch.state != StateClosed {
		prev = ch.other
	}
	ch.gen++
	gen := ch.gen
	ch.state = StateJoining
	ch.other = otherID
	ch.messages = nil
	ch.tracker.Reset()
	if ch.sub == nil {
		sub := ch.tr.On(events.DMNew, ch.handleMessage)
		ch.sub = &sub
	}
	ch.mu.Unlock()

	if prev != "" {
		_ = ch.tr.LeaveRoom(transport.ConversationRoom(ch.selfID, prev))
	}
	if err := ch.tr.JoinRoom(transport.ConversationRoom(ch.selfID, otherID)); err != nil {
		// Close returns early once closed, so the handler is released here.
		var sub *transport.Subscription
		ch.mu.Lock()
		if ch.gen == gen {
			ch.state = StateClosed
			ch.other = ""
			sub, ch.sub = ch.sub, nil
		}
		ch.mu.Unlock()
		if sub != nil {
			ch.tr.Off(*sub)
		}
		return err
	}

	history, err := ch.api.ListMessages(ctx, otherID)

	ch.mu.Lock()
	if ch.gen != gen {
		ch.mu.Unlock()
		observability.StaleResponsesDropped.WithLabelValues("dm").Inc()
		return err
	}
	ch.state = StateOpen
	if err != nil {
		ch.mu.Unlock()
		ch.notifier.Notify(feed.Notice{Level: feed.LevelError, Message: "could not load conversation", Err: err})
		return err
	}
	ch.messages = mergeHistory(history, ch.messages, ch.selfID, otherID)
	ch.mu.Unlock()
	return nil
}

// mergeHistory puts fetched history first, followed by messages that arrived
// live while the history was loading.
func mergeHistory(history, live []models.Message, selfID, otherID string) []models.Message {
	out := make([]models.Message, 0, len(history)+len(live))
	seen := make(map[string]struct{}, len(history))
	for _, m := range history {
		if !FilterIncoming(m, selfID, otherID) {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range live {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Send appends a provisional message and reconciles it with the canonical
// one. On failure the provisional message is removed and the failure reported.
func (ch *Channel) Send(ctx context.Context, content string) (_ *models.Message, err error) {
	span, ctx := observability.NewSpan(ctx, "dm.send")
	defer func() {
		span.SetError(err)
		span.End()
	}()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, models.NewValidationError("message content is required")
	}

	ch.mu.Lock()
	if ch.state == StateClosed {
		ch.mu.Unlock()
		return nil, models.NewValidationError("no open conversation")
	}
	other := ch.other
	pending := ch.tracker.BeginCreation(feed.KindMessage, other, ch.selfID, "", content)
	ch.messages = append(ch.messages, models.Message{
		ID:        pending.ProvisionalID,
		From:      ch.selfID,
		To:        other,
		Content:   content,
		CreatedAt: pending.StartedAt,
	})
	gen := ch.gen
	ch.mu.Unlock()

	res, err := ch.api.SendMessage(ctx, other, content)

	ch.mu.Lock()
	p := ch.tracker.Resolve(pending.Key)
	if ch.gen != gen {
		ch.mu.Unlock()
		observability.StaleResponsesDropped.WithLabelValues("dm").Inc()
		return res, err
	}
	if err != nil {
		ch.removeLocked(pending.ProvisionalID)
		ch.mu.Unlock()
		observability.OptimisticMutations.WithLabelValues(string(feed.KindMessage), "reverted").Inc()
		ch.notifier.Notify(feed.Notice{Level: feed.LevelError, Message: "could not send message", Err: err})
		return nil, err
	}
	if p != nil {
		ch.replaceLocked(p.ProvisionalID, *res)
	} else if ch.indexLocked(res.ID) < 0 {
		ch.messages = append(ch.messages, *res)
	}
	ch.mu.Unlock()

	observability.OptimisticMutations.WithLabelValues(string(feed.KindMessage), "confirmed").Inc()
	return res, nil
}

// Close leaves the conversation room and drops in-flight responses. It is
// safe to call on a closed channel.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.state == StateClosed {
		ch.mu.Unlock()
		return
	}
	other := ch.other
	sub := ch.sub
	ch.state = StateClosed
	ch.other = ""
	ch.sub = nil
	ch.gen++
	ch.tracker.Reset()
	ch.mu.Unlock()

	if sub != nil {
		ch.tr.Off(*sub)
	}
	_ = ch.tr.LeaveRoom(transport.ConversationRoom(ch.selfID, other))
}

// Partners returns the users the caller can chat with.
func (ch *Channel) Partners(ctx context.Context) ([]models.User, error) {
	users, err := ch.api.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.ID != ch.selfID {
			out = append(out, u)
		}
	}
	return out, nil
}

// Messages returns the conversation in display order.
func (ch *Channel) Messages() []models.Message {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]models.Message(nil), ch.messages...)
}

// State returns the channel state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Partner returns the user of the open conversation, or empty when closed.
func (ch *Channel) Partner() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.other
}

func (ch *Channel) handleMessage(ev events.Event) {
	me, ok := ev.(events.MessageEvent)
	if !ok {
		return
	}
	msg := me.Message

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == StateClosed || !FilterIncoming(msg, ch.selfID, ch.other) {
		return
	}
	if ch.indexLocked(msg.ID) >= 0 {
		return
	}
	if msg.From == ch.selfID {
		if p := ch.tracker.Adopt(feed.KindMessage, ch.other, ch.selfID, "", msg.Content); p != nil {
			ch.replaceLocked(p.ProvisionalID, msg)
			observability.OptimisticMutations.WithLabelValues(string(feed.KindMessage), "adopted").Inc()
			return
		}
	}
	ch.messages = append(ch.messages, msg)
}

func (ch *Channel) indexLocked(id string) int {
	for i := range ch.messages {
		if ch.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (ch *Channel) removeLocked(id string) {
	if i := ch.indexLocked(id); i >= 0 {
		ch.messages = append(ch.messages[:i], ch.messages[i+1:]...)
	}
}

// replaceLocked swaps a provisional message for its canonical record in place,
// or drops it when the canonical record is already present.
func (ch *Channel) replaceLocked(provisionalID string, msg models.Message) {
	if ch.indexLocked(msg.ID) >= 0 {
		ch.removeLocked(provisionalID)
		return
	}
	if i := ch.indexLocked(provisionalID); i >= 0 {
		ch.messages[i] = msg
		return
	}
	ch.messages = append(ch.messages, msg)
}
