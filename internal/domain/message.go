// Package domain contains the core data model shared by the chat session components.
package domain

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
)

// Kind identifies how a message body is interpreted.
type Kind string

const (
	KindText    Kind = "text"
	KindButtons Kind = "buttons"
	KindImage   Kind = "image"
	KindCustom  Kind = "custom"
)

// Button is a single quick-reply choice offered by the automated agent.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Message is one entry of the conversation log. It is immutable once appended.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Kind      Kind            `json:"type"`
	Content   string          `json:"content,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsBotAuthored reports whether the message came from the automated agent or an operator.
func (m Message) IsBotAuthored() bool {
	return m.Role == RoleAssistant || m.Role == RoleAgent
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a lexically sortable message id for the given instant.
func NewMessageID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// SystemMessage builds a system notice stamped at now.
func SystemMessage(now time.Time, content string) Message {
	return Message{
		ID:        NewMessageID(now),
		Role:      RoleSystem,
		Kind:      KindText,
		Content:   content,
		Timestamp: now,
	}
}

// TextMessage builds a text message for the given role stamped at now.
func TextMessage(now time.Time, role Role, content string) Message {
	return Message{
		ID:        NewMessageID(now),
		Role:      role,
		Kind:      KindText,
		Content:   content,
		Timestamp: now,
	}
}
