package models

import (
	"strings"
	"time"
)

// Message represents a direct message between two users.
type Message struct {
	ID        string    `json:"id" yaml:"id"`
	From      string    `json:"from" yaml:"from"`
	To        string    `json:"to" yaml:"to"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// SendMessageInput is the body of a direct message request.
type SendMessageInput struct {
	Content string `json:"content"`
}

// Validate checks the fields required before a pushed message is accepted.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return NewValidationError("message id is required")
	}
	if m.From == "" || m.To == "" {
		return NewValidationError("message from and to are required")
	}
	return nil
}

// Between reports whether the message belongs to the conversation {a, b}.
func (m *Message) Between(a, b string) bool {
	return (m.From == a && m.To == b) || (m.From == b && m.To == a)
}

// ConversationKey identifies the unordered pair {a, b}.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
