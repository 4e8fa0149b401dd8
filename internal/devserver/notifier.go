package devserver

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"feedsync/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Redis channels: one per room, plus one for frames every connection gets.
const (
	roomChannelPrefix = "feedsync:room:"
	broadcastChannel  = "feedsync:broadcast"
)

// allRooms addresses every connection.
const allRooms = ""

func channelFor(room string) string {
	if room == allRooms {
		return broadcastChannel
	}
	return roomChannelPrefix + room
}

func roomFor(channel string) (string, bool) {
	if channel == broadcastChannel {
		return allRooms, true
	}
	room, ok := strings.CutPrefix(channel, roomChannelPrefix)
	return room, ok && room != ""
}

// Notifier relays frames through Redis pub/sub so several dev server
// processes share rooms. Without a Redis client it is disabled and every
// method is a no-op.
type Notifier struct {
	rdb *redis.Client
}

func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// Publish sends frame to room, or to every connection when room is allRooms.
func (n *Notifier) Publish(ctx context.Context, room string, frame []byte) error {
	if !n.Enabled() {
		return nil
	}
	if err := n.rdb.Publish(ctx, channelFor(room), frame).Err(); err != nil {
		return fmt.Errorf("publish %q: %w", channelFor(room), err)
	}
	return nil
}

// Subscribe calls deliver for every frame published by any process until
// ctx is done. It returns once Redis confirmed the subscription.
func (n *Notifier) Subscribe(ctx context.Context, deliver func(room string, frame []byte)) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, roomChannelPrefix+"*", broadcastChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				room, valid := roomFor(msg.Channel)
				if !valid {
					observability.GlobalLogger.Warn("devserver ignored channel", "channel", msg.Channel)
					continue
				}
				safeDeliver(deliver, room, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// safeDeliver keeps the subscription alive when one delivery panics.
func safeDeliver(deliver func(string, []byte), room string, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.GlobalLogger.Error("devserver delivery panicked",
				"room", room, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	deliver(room, frame)
}
