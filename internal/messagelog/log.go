// Package messagelog is the ordered, append-only conversation log.
package messagelog

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatbridge/internal/domain"
)

// DefaultDedupWindow is the interval within which identical bot messages are treated as retransmissions.
const DefaultDedupWindow = 2 * time.Second

// Log keeps messages in append order. Bot-authored duplicates arriving inside
// the dedup window are dropped; everything else is always appended.
type Log struct {
	mu       sync.RWMutex
	messages []domain.Message
	window   time.Duration
	logger   *slog.Logger
}

// New creates an empty log. A non-positive window selects DefaultDedupWindow.
func New(window time.Duration, logger *slog.Logger) *Log {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{window: window, logger: logger}
}

// Append adds msg and reports whether it was kept.
func (l *Log) Append(msg domain.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if msg.IsBotAuthored() && l.isDuplicateLocked(msg) {
		l.logger.Debug("suppressed duplicate message", "role", msg.Role, "type", msg.Kind, "content", msg.Content)
		return false
	}
	l.messages = append(l.messages, msg)
	return true
}

// isDuplicateLocked compares against the most recent message with the same role, kind and body.
func (l *Log) isDuplicateLocked(msg domain.Message) bool {
	for i := len(l.messages) - 1; i >= 0; i-- {
		prev := l.messages[i]
		if prev.Role != msg.Role || prev.Kind != msg.Kind || prev.Content != msg.Content {
			continue
		}
		if !bytes.Equal(prev.Payload, msg.Payload) {
			continue
		}
		return msg.Timestamp.Sub(prev.Timestamp) < l.window
	}
	return false
}

// Messages returns a copy of the log in insertion order.
func (l *Log) Messages() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
}

// Restore replaces the log with previously persisted messages, keeping their order.
func (l *Log) Restore(msgs []domain.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = make([]domain.Message, len(msgs))
	copy(l.messages, msgs)
}

// HasSystemNotice reports whether a system message with exactly this content exists.
func (l *Log) HasSystemNotice(content string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, m := range l.messages {
		if m.Role == domain.RoleSystem && m.Content == content {
			return true
		}
	}
	return false
}

// CountRole returns how many messages were authored by role.
func (l *Log) CountRole(role domain.Role) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, m := range l.messages {
		if m.Role == role {
			n++
		}
	}
	return n
}
