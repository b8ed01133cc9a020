package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

// StreamEvents pushes every session state change to a websocket client.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	// The stream is one-way; CloseRead handles control frames and client close.
	ctx := ws.CloseRead(r.Context())

	updates, unsubscribe := h.events.Subscribe()
	defer unsubscribe()
	h.logger.Debug("event stream opened", "ip", r.RemoteAddr, "subscribers", h.events.Count())

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed", "ip", r.RemoteAddr)
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			if err := h.writeEvent(ctx, ws, s); err != nil {
				h.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				h.logger.Debug("event stream ping failed", "error", err)
				return
			}
		}
	}
}

func (h *Handler) writeEvent(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

// originPatterns allows any origin in development and the frontend host otherwise.
func (h *Handler) originPatterns() []string {
	if h.opts.IsDevelopment || h.opts.FrontendURL == "" {
		return []string{"*"}
	}
	u, err := url.Parse(h.opts.FrontendURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
