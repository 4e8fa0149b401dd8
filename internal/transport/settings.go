package transport

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// ReconnectPolicy controls how a dropped or failed connection is retried.
// MaxRetries of zero retries forever.
type ReconnectPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxRetries          int
}

// DefaultReconnectPolicy is exponential backoff with jitter: 500ms doubling to 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.RandomizationFactor >= 0 && p.RandomizationFactor < 1 {
		b.RandomizationFactor = p.RandomizationFactor
	}
	b.Reset()
	return b
}

// Settings tunes the websocket connection.
type Settings struct {
	HandshakeTimeout time.Duration
	// Time allowed to write a frame to the peer.
	WriteTimeout time.Duration
	// Time allowed to read the next pong from the peer.
	PongWait time.Duration
	// Ping period. Must be less than PongWait.
	PingPeriod time.Duration
	// Maximum inbound frame size.
	MaxMessageSize int64
	// Outbound frames buffered while the write pump is busy.
	SendBuffer int
	Reconnect  ReconnectPolicy
	Dialer     *websocket.Dialer
}

// DefaultSettings mirrors the keepalive timings of the server hub.
func DefaultSettings() *Settings {
	pongWait := 60 * time.Second
	return &Settings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         pongWait,
		PingPeriod:       (pongWait * 9) / 10,
		MaxMessageSize:   1 << 20,
		SendBuffer:       256,
		Reconnect:        DefaultReconnectPolicy(),
	}
}
