// Package operator implements the connection state machine to the human
// operator dashboard.
package operator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/chatbridge/internal/channel"
	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/eventloop"
	"github.com/ashureev/chatbridge/internal/transport"
)

var (
	// ErrOffline is returned when connecting while the host is offline.
	ErrOffline = errors.New("operator: offline")
	// ErrNoSession is returned when connecting without a session id.
	ErrNoSession = errors.New("operator: no session id")
)

// Wire events.
const (
	eventRegister          = "register"
	eventUserMessage       = "userMessage"
	eventEndChat           = "endChat"
	eventAgentTyping       = "agentTyping"
	eventAgentJoined       = "agentJoined"
	eventAgentMessage      = "agentMessage"
	eventConversationEnded = "conversationEnded"
	eventEndConversation   = "endConversation"
)

// User-facing notices.
const (
	NoticeConnected     = "Connected to live agent."
	NoticeRetrying      = "Failed to connect to live agent. Attempting to reconnect..."
	NoticeExhausted     = "Failed to connect to live agent after multiple attempts."
	NoticeTimeout       = "Connection to live agent timed out after multiple attempts."
	NoticeOffline       = "Cannot connect to live agent while offline. Please check your internet connection."
	NoticeAgentEnded    = "The agent has ended this conversation."
	NoticeSessionEnded  = "The chat session has ended."
	defaultOperatorName = "An agent"
)

// Config configures the operator channel. ConnectTimeout bounds the whole
// connect, across retries.
type Config struct {
	channel.Config
	EndGrace time.Duration
}

// Hint carries what is known about the user and operator at handoff time.
type Hint struct {
	AgentName string
	UserEmail string
	UserName  string
}

// Listener receives the channel's effects on session state.
type Listener interface {
	channel.Host
	// OperatorConnected is called once the dashboard handshake completes.
	OperatorConnected()
	// OperatorJoined reports the operator's display name.
	OperatorJoined(name string)
	// OperatorEnded is called after the operator ended the conversation.
	OperatorEnded()
	// OperatorUnavailable is called when connecting gave up.
	OperatorUnavailable()
}

// Channel is the operator channel. All methods run on the event loop.
type Channel struct {
	cfg    Config
	link   *channel.Link
	sched  *eventloop.Scheduler
	host   Listener
	logger *slog.Logger

	sessionID  string
	hint       Hint
	connecting bool
	errorShown bool

	backstop *eventloop.Handle
	grace    *eventloop.Handle
}

// New creates an idle channel. Bind must be called before Connect.
func New(cfg Config, dialer transport.Dialer, sched *eventloop.Scheduler, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = string(domain.ChannelOperator)
	}
	c := &Channel{cfg: cfg, sched: sched, logger: logger.With("channel", cfg.Name)}

	// The backstop below owns the connect deadline.
	linkCfg := cfg.Config
	linkCfg.ConnectTimeout = 0
	c.link = channel.NewLink(linkCfg, dialer, sched, c.online, c.handle, logger)
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

// Connected reports whether the dashboard handshake completed.
func (c *Channel) Connected() bool { return c.link.Connected() }

// Connecting reports whether a connect is in flight.
func (c *Channel) Connecting() bool { return c.connecting }

// View returns the channel state exposed to the UI.
func (c *Channel) View() domain.ChannelView {
	return domain.ChannelView{Status: c.link.Status(), Attempts: c.link.Attempts(), ErrorShown: c.errorShown}
}

// ErrorShown reports whether the connection error notice was shown.
func (c *Channel) ErrorShown() bool { return c.errorShown }

// SetErrorShown restores the error gate from a persisted snapshot.
func (c *Channel) SetErrorShown(shown bool) { c.errorShown = shown }

// Connect opens the dashboard connection. It refuses while offline or without
// a session, and is a no-op while already connected or connecting.
func (c *Channel) Connect(sessionID string, hint Hint) error {
	if !c.online() {
		c.logger.Warn("not connecting to operator: offline")
		c.host.Append(domain.SystemMessage(c.sched.Now(), NoticeOffline))
		return ErrOffline
	}
	if sessionID == "" {
		c.logger.Warn("not connecting to operator: no session id")
		return ErrNoSession
	}
	if c.link.Busy() {
		c.logger.Info("operator connection already established", "status", c.link.Status(), "session_id", sessionID)
		return nil
	}

	c.grace.Cancel()
	c.grace = nil
	c.sessionID = sessionID
	c.hint = hint
	c.connecting = true
	c.logger.Info("connecting to operator", "session_id", sessionID, "has_email", hint.UserEmail != "")

	c.link.Start(c.cfg.Target)
	if c.cfg.ConnectTimeout > 0 {
		c.backstop = c.sched.After(c.cfg.ConnectTimeout, c.onBackstop)
	}
	c.notify()
	return nil
}

// Resume retries immediately if a connection attempt was parked offline.
func (c *Channel) Resume() {
	c.link.Resume()
}

// Send emits a user message to the operator. Blank text is ignored.
func (c *Channel) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c.host != nil && c.host.ActiveChannel() != domain.ChannelOperator {
		return channel.ErrInactive
	}
	return c.link.Emit(eventUserMessage, userMessage{SessionID: c.sessionID, Text: text})
}

// EndChat notifies the dashboard the user ended the chat, then disconnects.
func (c *Channel) EndChat() {
	if c.link.Connected() {
		if err := c.link.Emit(eventEndChat, endChat{SessionID: c.sessionID}); err != nil {
			c.logger.Warn("send end chat", "error", err, "session_id", c.sessionID)
		}
	}
	c.Disconnect()
}

// Disconnect tears the connection down and cancels pending timers.
func (c *Channel) Disconnect() {
	c.backstop.Cancel()
	c.grace.Cancel()
	c.backstop, c.grace = nil, nil
	c.connecting = false
	c.link.Stop()
	c.notify()
}

func (c *Channel) notify() {
	if c.host != nil {
		c.host.Notify()
	}
}

func (c *Channel) onBackstop() {
	c.backstop = nil
	if c.link.Connected() {
		return
	}
	c.logger.Warn("operator connection timed out", "timeout", c.cfg.ConnectTimeout, "session_id", c.sessionID)
	c.link.Stop()
	c.giveUp(NoticeTimeout)
	c.notify()
}

func (c *Channel) giveUp(notice string) {
	c.connecting = false
	c.host.Append(domain.SystemMessage(c.sched.Now(), notice))
	c.host.OperatorUnavailable()
	c.grace = c.sched.After(c.cfg.EndGrace, func() {
		c.grace = nil
		c.host.EndSession(NoticeSessionEnded)
	})
}

func (c *Channel) handle(ev channel.Event) {
	if c.host == nil {
		return
	}
	switch ev := ev.(type) {
	case channel.Connected:
		c.onConnected()
	case channel.Inbound:
		c.onInbound(ev.Frame)
	case channel.DialFailed:
		if !c.errorShown {
			c.errorShown = true
			c.host.Append(domain.SystemMessage(c.sched.Now(), NoticeRetrying))
		}
	case channel.Exhausted:
		c.backstop.Cancel()
		c.backstop = nil
		c.giveUp(NoticeExhausted)
	case channel.Dropped:
		c.logger.Warn("disconnected from operator dashboard", "error", ev.Err, "session_id", c.sessionID)
	}
	c.notify()
}

func (c *Channel) onConnected() {
	c.backstop.Cancel()
	c.backstop = nil
	c.connecting = false
	c.errorShown = false

	reg := register{Role: "user", SessionID: c.sessionID, UserEmail: c.hint.UserEmail, UserName: c.hint.UserName}
	if err := c.link.Emit(eventRegister, reg); err != nil {
		c.logger.Warn("register with dashboard", "error", err, "session_id", c.sessionID)
	}
	c.host.OperatorConnected()
	c.host.AppendOnce(NoticeConnected)
}

// inboundEvent is the normalized form of dashboard traffic.
type inboundEvent interface{ operatorEvent() }

type agentTyping struct{}

type agentJoined struct{ Name string }

type agentMessage struct{ Text string }

// operatorEnded covers both wire spellings of "the operator ended the conversation".
type operatorEnded struct{ Notice string }

func (agentTyping) operatorEvent()   {}
func (agentJoined) operatorEvent()   {}
func (agentMessage) operatorEvent()  {}
func (operatorEnded) operatorEvent() {}

// normalize maps a dashboard frame to its internal event. Unknown events yield nil.
func normalize(f transport.Frame) (inboundEvent, error) {
	switch f.Event {
	case eventAgentTyping:
		return agentTyping{}, nil
	case eventAgentJoined:
		var p struct {
			AgentName string `json:"agentName"`
		}
		if err := f.Decode(&p); err != nil {
			return nil, err
		}
		return agentJoined{Name: p.AgentName}, nil
	case eventAgentMessage:
		var p struct {
			Text string `json:"text"`
		}
		if err := f.Decode(&p); err != nil {
			return nil, err
		}
		return agentMessage{Text: p.Text}, nil
	case eventConversationEnded, eventEndConversation:
		var p struct {
			Message string `json:"message"`
		}
		if f.Event == eventConversationEnded {
			if err := f.Decode(&p); err != nil {
				return nil, err
			}
		}
		notice := p.Message
		if notice == "" {
			notice = NoticeAgentEnded
		}
		return operatorEnded{Notice: notice}, nil
	}
	return nil, nil
}

func (c *Channel) onInbound(f transport.Frame) {
	ev, err := normalize(f)
	if err != nil {
		c.logger.Warn("ignoring malformed dashboard event", "event", f.Event, "error", err)
		return
	}
	now := c.sched.Now()
	switch ev := ev.(type) {
	case agentTyping:
		c.host.SetTyping(true)
	case agentJoined:
		name := ev.Name
		if name == "" {
			name = c.hint.AgentName
		}
		if name == "" {
			name = defaultOperatorName
		}
		c.host.OperatorJoined(name)
		c.host.Append(domain.SystemMessage(now, fmt.Sprintf("%s has joined the conversation", name)))
	case agentMessage:
		c.host.SetTyping(false)
		if ev.Text != "" {
			c.host.Append(domain.TextMessage(now, domain.RoleAgent, ev.Text))
		}
	case operatorEnded:
		c.logger.Info("operator ended the conversation", "session_id", c.sessionID, "event", f.Event)
		c.host.Append(domain.SystemMessage(now, ev.Notice))
		c.host.OperatorEnded()
	default:
		c.logger.Debug("ignoring dashboard event", "event", f.Event)
	}
}

type register struct {
	Role      string `json:"role"`
	SessionID string `json:"sessionId"`
	UserEmail string `json:"userEmail,omitempty"`
	UserName  string `json:"userName,omitempty"`
}

type userMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type endChat struct {
	SessionID string `json:"sessionId"`
}
