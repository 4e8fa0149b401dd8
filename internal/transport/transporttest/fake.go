// Package transporttest provides an in-memory transport for testing feed
// components without a websocket peer.
package transporttest

import (
	"slices"
	"sort"
	"sync"

	"feedsync/internal/events"
	"feedsync/internal/transport"
)

// Emitted is one event passed to Emit.
type Emitted struct {
	Name    events.Name
	Payload interface{}
}

// Fake records subscriptions, room membership and emits. Deliver runs
// handlers synchronously on the calling goroutine, like the read pump does.
type Fake struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[events.Name]map[uint64]transport.Handler
	order    map[events.Name][]uint64
	rooms    map[string]transport.Room
	joins    []string
	leaves   []string
	emitted  []Emitted
	state    transport.State
	watchers []func(transport.State)

	// EmitErr, when set, is returned by Emit.
	EmitErr error
	// JoinErr, when set, is returned by JoinRoom.
	JoinErr error
}

// New returns a connected fake.
func New() *Fake {
	return &Fake{
		handlers: make(map[events.Name]map[uint64]transport.Handler),
		order:    make(map[events.Name][]uint64),
		rooms:    make(map[string]transport.Room),
		state:    transport.StateConnected,
	}
}

// On implements the transport subscription contract.
func (f *Fake) On(name events.Name, handler transport.Handler) transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[name] == nil {
		f.handlers[name] = make(map[uint64]transport.Handler)
	}
	f.handlers[name][f.nextID] = handler
	f.order[name] = append(f.order[name], f.nextID)
	return transport.Subscription{Name: name, ID: f.nextID}
}

// Off removes a handler.
func (f *Fake) Off(sub transport.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[sub.Name], sub.ID)
}

// Emit records the event.
func (f *Fake) Emit(name events.Name, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EmitErr != nil {
		return f.EmitErr
	}
	f.emitted = append(f.emitted, Emitted{Name: name, Payload: payload})
	return nil
}

// JoinRoom records membership.
func (f *Fake) JoinRoom(room transport.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.JoinErr != nil {
		return f.JoinErr
	}
	f.rooms[room.Key()] = room
	f.joins = append(f.joins, room.Key())
	return nil
}

// LeaveRoom records departure.
func (f *Fake) LeaveRoom(room transport.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, room.Key())
	f.leaves = append(f.leaves, room.Key())
	return nil
}

// State returns the simulated connection state.
func (f *Fake) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// OnStateChange registers a state watcher.
func (f *Fake) OnStateChange(fn func(transport.State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers = append(f.watchers, fn)
}

// SetState simulates a connection state transition.
func (f *Fake) SetState(s transport.State) {
	f.mu.Lock()
	f.state = s
	watchers := slices.Clone(f.watchers)
	f.mu.Unlock()
	for _, fn := range watchers {
		fn(s)
	}
}

// Deliver dispatches ev to the handlers registered for its name in
// registration order.
func (f *Fake) Deliver(ev events.Event) {
	f.mu.Lock()
	var hs []transport.Handler
	for _, id := range f.order[ev.EventName()] {
		if h, ok := f.handlers[ev.EventName()][id]; ok {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Subscribers returns the number of live handlers for name.
func (f *Fake) Subscribers(name events.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[name])
}

// Rooms returns the sorted keys of joined rooms.
func (f *Fake) Rooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.rooms))
	for k := range f.rooms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Leaves returns room keys passed to LeaveRoom in call order.
func (f *Fake) Leaves() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.leaves...)
}

// Emitted returns everything passed to Emit.
func (f *Fake) Emitted() []Emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Emitted(nil), f.emitted...)
}
