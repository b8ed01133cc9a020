// Package automation implements the connection state machine to the
// automated-agent server.
package automation

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/chatbridge/internal/channel"
	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/eventloop"
	"github.com/ashureev/chatbridge/internal/transport"
)

// Directives understood by the automated agent.
const (
	DirectiveRestart      = "/restart"
	DirectiveSessionStart = "/session_start"
	DirectiveSessionEnd   = "/session_end"
)

const sessionRequestEvent = "session_request"

// User-facing notices.
const (
	NoticeConnected = "Connected to chat server."
	NoticeRetrying  = "Unable to reach chat server. Retrying..."
	NoticeExhausted = "Unable to establish a connection after multiple attempts. Please refresh the page or try again later."
)

// Config configures the automation channel.
type Config struct {
	channel.Config
	InboundEvent      string
	OutboundEvent     string
	RestartDelay      time.Duration
	SessionStartDelay time.Duration
	EndGrace          time.Duration
}

// HandoffRequest is a bot request to move the conversation to an operator.
type HandoffRequest struct {
	Email string
	Name  string
	Text  string
}

// Listener receives the channel's effects on session state.
type Listener interface {
	channel.Host
	// SetLoading toggles the awaiting-bot-reply indicator.
	SetLoading(on bool)
	// HandoffRequested is called after the handoff text, if any, was appended.
	HandoffRequested(req HandoffRequest)
}

// Channel is the automation channel. All methods run on the event loop.
type Channel struct {
	cfg    Config
	link   *channel.Link
	sched  *eventloop.Scheduler
	host   Listener
	logger *slog.Logger

	sessionID  string
	newChat    bool
	errorShown bool

	restart      *eventloop.Handle
	sessionStart *eventloop.Handle
	grace        *eventloop.Handle
}

// New creates an idle channel. Bind must be called before Connect.
func New(cfg Config, dialer transport.Dialer, sched *eventloop.Scheduler, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = string(domain.ChannelAutomation)
	}
	c := &Channel{cfg: cfg, sched: sched, logger: logger.With("channel", cfg.Name)}
	c.link = channel.NewLink(cfg.Config, dialer, sched, c.online, c.handle, logger)
	return c
}

// Bind attaches the session state the channel reports to.
func (c *Channel) Bind(l Listener) {
	c.host = l
}

func (c *Channel) online() bool {
	return c.host == nil || c.host.Online()
}

// Status returns the connection status.
func (c *Channel) Status() domain.ChannelStatus { return c.link.Status() }

// View returns the channel state exposed to the UI.
func (c *Channel) View() domain.ChannelView {
	return domain.ChannelView{Status: c.link.Status(), Attempts: c.link.Attempts(), ErrorShown: c.errorShown}
}

// ErrorShown reports whether the connection error notice was shown.
func (c *Channel) ErrorShown() bool { return c.errorShown }

// SetErrorShown restores the error gate from a persisted snapshot.
func (c *Channel) SetErrorShown(shown bool) { c.errorShown = shown }

// SessionID returns the session the channel is bound to.
func (c *Channel) SessionID() string { return c.sessionID }

// Connect opens the channel for sessionID. For an explicit new chat the
// restart and session-start directives follow the handshake.
func (c *Channel) Connect(sessionID string, newChat bool) {
	c.cancelPending()
	c.sessionID = sessionID
	c.newChat = newChat
	c.logger.Info("connecting", "session_id", sessionID, "new_chat", newChat)
	c.link.Start(c.target())
	c.notify()
}

// Resume retries immediately if a connection attempt was parked offline.
func (c *Channel) Resume() {
	c.link.Resume()
}

// Send emits a user message. Blank text is ignored.
func (c *Channel) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c.host != nil && c.host.ActiveChannel() != domain.ChannelAutomation {
		return channel.ErrInactive
	}
	return c.emitMessage(text)
}

// SendDirective emits a control directive regardless of the active channel.
func (c *Channel) SendDirective(directive string) error {
	return c.emitMessage(directive)
}

// End tells the server the session ended, if connected, then disconnects.
func (c *Channel) End() {
	if c.link.Connected() {
		if err := c.emitMessage(DirectiveSessionEnd); err != nil {
			c.logger.Warn("send session end", "error", err, "session_id", c.sessionID)
		}
	}
	c.Disconnect()
}

// Disconnect tears the connection down. Late frames are discarded.
func (c *Channel) Disconnect() {
	c.cancelPending()
	c.link.Stop()
	c.notify()
}

// RestartForNewSession disconnects cleanly and reconnects as a new chat.
func (c *Channel) RestartForNewSession(newID string) {
	c.Disconnect()
	c.errorShown = false
	c.Connect(newID, true)
}

func (c *Channel) target() transport.Target {
	t := c.cfg.Target
	q := url.Values{}
	for k, v := range t.Query {
		q[k] = append([]string(nil), v...)
	}
	q.Set("session_id", c.sessionID)
	t.Query = q
	return t
}

func (c *Channel) emitMessage(text string) error {
	return c.link.Emit(c.cfg.OutboundEvent, outboundMessage{Message: text, SessionID: c.sessionID})
}

func (c *Channel) cancelPending() {
	c.restart.Cancel()
	c.sessionStart.Cancel()
	c.grace.Cancel()
	c.restart, c.sessionStart, c.grace = nil, nil, nil
}

func (c *Channel) notify() {
	if c.host != nil {
		c.host.Notify()
	}
}

func (c *Channel) handle(ev channel.Event) {
	if c.host == nil {
		return
	}
	switch ev := ev.(type) {
	case channel.Connected:
		c.onConnected()
	case channel.Inbound:
		if ev.Frame.Event == c.cfg.InboundEvent {
			c.onBotPayload(ev.Frame)
		}
	case channel.DialFailed:
		c.showError()
	case channel.Exhausted:
		c.onExhausted()
	case channel.Dropped:
		c.logger.Warn("disconnected from chat server", "error", ev.Err, "session_id", c.sessionID)
	}
	c.notify()
}

func (c *Channel) onConnected() {
	c.errorShown = false
	if err := c.link.Emit(sessionRequestEvent, sessionRequest{SessionID: c.sessionID}); err != nil {
		c.logger.Warn("send session request", "error", err, "session_id", c.sessionID)
	}

	if c.host.ActiveChannel() != domain.ChannelOperator {
		c.host.AppendOnce(NoticeConnected)
	}

	if !c.newChat {
		return
	}
	c.newChat = false
	// The server drops session_start if it arrives before restart is processed.
	c.restart = c.sched.After(c.cfg.RestartDelay, func() {
		c.restart = nil
		if err := c.SendDirective(DirectiveRestart); err != nil {
			c.logger.Warn("send restart directive", "error", err, "session_id", c.sessionID)
			return
		}
		c.sessionStart = c.sched.After(c.cfg.SessionStartDelay, func() {
			c.sessionStart = nil
			if err := c.SendDirective(DirectiveSessionStart); err != nil {
				c.logger.Warn("send session start directive", "error", err, "session_id", c.sessionID)
			}
		})
	})
}

func (c *Channel) showError() {
	if c.errorShown {
		return
	}
	c.errorShown = true
	c.host.Append(domain.SystemMessage(c.sched.Now(), NoticeRetrying))
}

func (c *Channel) onExhausted() {
	c.cancelPending()
	c.errorShown = true
	c.host.Append(domain.SystemMessage(c.sched.Now(), NoticeExhausted))
	c.grace = c.sched.After(c.cfg.EndGrace, func() {
		c.grace = nil
		c.host.EndSession("")
	})
}

type outboundMessage struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type botButton struct {
	Title   string `json:"title"`
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type botPayload struct {
	Text         string          `json:"text"`
	Message      string          `json:"message"`
	Buttons      []botButton     `json:"buttons"`
	QuickReplies []botButton     `json:"quick_replies"`
	Image        string          `json:"image"`
	Custom       json.RawMessage `json:"custom"`
	Handoff      bool            `json:"handoff"`
	UserEmail    string          `json:"user_email"`
	UserName     string          `json:"user_name"`
}

func (c *Channel) onBotPayload(f transport.Frame) {
	c.host.SetLoading(false)

	var p botPayload
	if err := f.Decode(&p); err != nil {
		c.logger.Warn("ignoring malformed bot payload", "error", err, "session_id", c.sessionID)
		return
	}

	now := c.sched.Now()
	idBase := domain.NewMessageID(now)

	if p.Handoff {
		text := p.Message
		if text == "" {
			text = p.Text
		}
		if text != "" {
			msg := domain.TextMessage(now, domain.RoleAssistant, text)
			msg.ID = idBase
			c.host.Append(msg)
		}
		c.logger.Info("handoff requested", "session_id", c.sessionID)
		c.host.HandoffRequested(HandoffRequest{Email: p.UserEmail, Name: p.UserName, Text: text})
		return
	}

	for _, msg := range decompose(idBase, now, p) {
		c.host.Append(msg)
	}
}

// decompose splits a bot payload into messages: text, buttons, image, custom.
func decompose(idBase string, now time.Time, p botPayload) []domain.Message {
	var out []domain.Message
	if p.Text != "" {
		msg := domain.TextMessage(now, domain.RoleAssistant, p.Text)
		msg.ID = idBase
		out = append(out, msg)
	}

	buttons := p.Buttons
	if len(buttons) == 0 {
		buttons = p.QuickReplies
	}
	if len(buttons) > 0 {
		mapped := make([]domain.Button, 0, len(buttons))
		for _, b := range buttons {
			title := b.Title
			if title == "" {
				title = b.Text
			}
			payload := b.Payload
			if payload == "" {
				payload = title
			}
			mapped = append(mapped, domain.Button{Title: title, Payload: payload})
		}
		data, _ := json.Marshal(mapped)
		out = append(out, domain.Message{
			ID:        idBase + "-buttons",
			Role:      domain.RoleAssistant,
			Kind:      domain.KindButtons,
			Payload:   data,
			Timestamp: now,
		})
	}

	if p.Image != "" {
		out = append(out, domain.Message{
			ID:        idBase + "-image",
			Role:      domain.RoleAssistant,
			Kind:      domain.KindImage,
			Content:   p.Image,
			Timestamp: now,
		})
	}

	if len(p.Custom) > 0 && string(p.Custom) != "null" {
		out = append(out, domain.Message{
			ID:        idBase + "-custom",
			Role:      domain.RoleAssistant,
			Kind:      domain.KindCustom,
			Payload:   append(json.RawMessage(nil), p.Custom...),
			Timestamp: now,
		})
	}
	return out
}
