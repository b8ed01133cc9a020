// Package transporttest provides an in-memory Dialer for channel tests.
package transporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/chatbridge/internal/transport"
)

// Dialer hands every Dial call to the test through Next.
type Dialer struct {
	// IgnoreCancel keeps a pending dial waiting for Accept or Fail after its
	// context ends, like a handshake that completes while being torn down.
	IgnoreCancel bool

	dials chan *Dial
}

// NewDialer creates a Dialer.
func NewDialer() *Dialer {
	return &Dialer{dials: make(chan *Dial, 16)}
}

// Dial blocks until the test completes the pending dial or ctx ends.
func (d *Dialer) Dial(ctx context.Context, target transport.Target, h transport.Handler) (transport.Conn, error) {
	p := &Dial{Target: target, handler: h, result: make(chan dialResult, 1)}
	select {
	case d.dials <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.IgnoreCancel {
		r := <-p.result
		return r.conn, r.err
	}
	select {
	case r := <-p.result:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Next returns the next pending dial, or an error after timeout.
func (d *Dialer) Next(timeout time.Duration) (*Dial, error) {
	select {
	case p := <-d.dials:
		return p, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no dial within %s", timeout)
	}
}

// Pending reports whether a dial is waiting.
func (d *Dialer) Pending() bool {
	return len(d.dials) > 0
}

// Dial is one in-flight connection attempt.
type Dial struct {
	Target  transport.Target
	handler transport.Handler
	result  chan dialResult
}

type dialResult struct {
	conn transport.Conn
	err  error
}

// Accept completes the dial successfully.
func (p *Dial) Accept() *Conn {
	c := &Conn{handler: p.handler}
	p.result <- dialResult{conn: c}
	return c
}

// Fail completes the dial with err.
func (p *Dial) Fail(err error) {
	p.result <- dialResult{err: err}
}

// Emitted is one frame sent by the client.
type Emitted struct {
	Event string
	Data  json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Emitted) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Conn records emitted frames and lets the test push inbound ones.
type Conn struct {
	handler transport.Handler

	mu      sync.Mutex
	emitted []Emitted
	closed  bool
}

// Emit records the frame.
func (c *Conn) Emit(event string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Data: data})
	return nil
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Emitted returns a copy of every frame sent so far.
func (c *Conn) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Emitted, len(c.emitted))
	copy(out, c.emitted)
	return out
}

// Events returns emitted event names in order.
func (c *Conn) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.emitted))
	for _, e := range c.emitted {
		out = append(out, e.Event)
	}
	return out
}

// Push delivers an inbound frame, even after Close, to mimic late server traffic.
func (c *Conn) Push(event string, v any) {
	f, err := transport.NewFrame(event, v)
	if err != nil {
		panic(err)
	}
	c.handler.HandleFrame(f)
}

// Drop simulates the server ending the connection.
func (c *Conn) Drop(err error) {
	c.handler.HandleClose(err)
}
