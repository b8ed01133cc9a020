// Package transport carries event-framed JSON messages between the widget
// core and a realtime chat server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrClosed is returned when emitting on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrQueueFull is returned when the outbound queue cannot accept a frame.
	ErrQueueFull = errors.New("transport: outbound queue full")
)

// Frame is one named event on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return nil
}

// NewFrame marshals v as the payload of event.
func NewFrame(event string, v any) (Frame, error) {
	if v == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Handler receives inbound traffic for one connection. Calls arrive from the
// connection's read goroutine, one at a time.
type Handler interface {
	HandleFrame(f Frame)
	// HandleClose reports that the peer or network ended the connection.
	// It is not called after Conn.Close.
	HandleClose(err error)
}

// Conn is an established connection.
type Conn interface {
	// Emit queues an outbound event without blocking.
	Emit(event string, v any) error
	// Close stops inbound delivery, flushes queued frames and closes.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, target Target, h Handler) (Conn, error)
}

// Target addresses a chat server endpoint.
type Target struct {
	URL   string
	Path  string
	Query url.Values
}

// Endpoint returns the websocket URL for the target.
func (t Target) Endpoint() (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", t.URL)
	}
	if t.Path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(t.Path, "/")
	}
	if len(t.Query) > 0 {
		q := u.Query()
		for k, vs := range t.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
