package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 5 * time.Second
	readLimit           = 1 << 20
)

// WebSocketDialer dials chat servers over websockets.
type WebSocketDialer struct {
	HTTPClient   *http.Client
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Dial connects to target and starts delivering frames to h.
func (d *WebSocketDialer) Dial(ctx context.Context, target Target, h Handler) (Conn, error) {
	endpoint, err := target.Endpoint()
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	ws.SetReadLimit(readLimit)

	queueSize := d.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &wsConn{
		ws:           ws,
		handler:      h,
		queue:        make(chan []byte, queueSize),
		stop:         make(chan struct{}),
		readDone:     make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger.With("endpoint", endpoint),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	handler      Handler
	queue        chan []byte
	stop         chan struct{}
	readDone     chan struct{}
	stopOnce     sync.Once
	closed       atomic.Bool
	writeTimeout time.Duration
	logger       *slog.Logger
}

func (c *wsConn) Emit(event string, v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	f, err := NewFrame(event, v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case c.queue <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *wsConn) Close() error {
	c.closed.Store(true)
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *wsConn) readLoop() {
	defer close(c.readDone)
	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			if !c.closed.Swap(true) {
				c.handler.HandleClose(err)
			}
			return
		}
		if c.closed.Load() {
			continue
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring non-text frame")
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		c.handler.HandleFrame(f)
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
			}
		case <-c.stop:
			c.drain()
			if err := c.ws.Close(websocket.StatusNormalClosure, "client closed"); err != nil && !isClosedErr(err) {
				c.logger.Debug("websocket close failed", "error", err)
			}
			return
		case <-c.readDone:
			_ = c.ws.CloseNow()
			return
		}
	}
}

func (c *wsConn) drain() {
	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func isClosedErr(err error) bool {
	var ce websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}
