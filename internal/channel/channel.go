// Package channel holds the connection machinery shared by the automation
// and operator channels.
package channel

import (
	"errors"
	"time"

	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/transport"
)

var (
	// ErrNotConnected is returned when sending on a channel that is not connected.
	ErrNotConnected = errors.New("channel not connected")
	// ErrInactive is returned when sending on the channel that is not active.
	ErrInactive = errors.New("channel is not the active channel")
)

// Host is the session state a channel reads and mutates. All methods are
// called on the event loop.
type Host interface {
	// Append adds a message to the log.
	Append(msg domain.Message)
	// AppendOnce adds a system message unless the log already holds it.
	AppendOnce(content string)
	// SetTyping toggles the remote-side typing indicator.
	SetTyping(on bool)
	// EndSession marks the chat ended.
	EndSession(reason string)
	// ActiveChannel reports which channel carries outbound user traffic.
	ActiveChannel() domain.Channel
	// Online reports the host connectivity state.
	Online() bool
	// Notify signals that channel status changed.
	Notify()
}

// Config describes one chat server connection.
type Config struct {
	Name           string
	Target         transport.Target
	MaxAttempts    int
	ConnectTimeout time.Duration
	RetryDelay     time.Duration
	RetryDelayMax  time.Duration
}

// Backoff returns the delay before retry number attempt (1-based):
// exponential from base, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Event is the typed union a Link dispatches to its owner.
type Event interface {
	linkEvent()
}

// Connected reports a completed handshake.
type Connected struct{}

// Inbound carries one frame from the server.
type Inbound struct {
	Frame transport.Frame
}

// DialFailed reports a failed attempt that will be retried.
type DialFailed struct {
	Attempt int
	Err     error
}

// Exhausted reports that the retry budget is spent. The link is Failed.
type Exhausted struct {
	Attempts int
	Err      error
}

// Dropped reports that an established connection was lost. The link is
// reconnecting.
type Dropped struct {
	Err error
}

func (Connected) linkEvent()  {}
func (Inbound) linkEvent()    {}
func (DialFailed) linkEvent() {}
func (Exhausted) linkEvent()  {}
func (Dropped) linkEvent()    {}
