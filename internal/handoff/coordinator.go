// Package handoff coordinates the automation and operator channels around a
// single session, enforcing that exactly one of them carries user traffic.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/chatbridge/internal/automation"
	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/eventloop"
	"github.com/ashureev/chatbridge/internal/feedback"
	"github.com/ashureev/chatbridge/internal/identity"
	"github.com/ashureev/chatbridge/internal/messagelog"
	"github.com/ashureev/chatbridge/internal/network"
	"github.com/ashureev/chatbridge/internal/operator"
	"github.com/ashureev/chatbridge/internal/store"
)

var (
	// ErrChatEnded is returned for actions that need a live conversation.
	ErrChatEnded = errors.New("chat has ended")
	// ErrOffline is returned when sending while the host is offline.
	ErrOffline = errors.New("offline")
	// ErrHandoffInFlight is returned when sending while connecting to an operator.
	ErrHandoffInFlight = errors.New("connecting to live agent")
	// ErrFeedbackUnavailable is returned for feedback actions while the form is hidden.
	ErrFeedbackUnavailable = errors.New("feedback is not being collected")
	// ErrInvalidRating is returned for ratings outside 1-5.
	ErrInvalidRating = feedback.ErrInvalidRating
)

// User-facing notices owned by the coordinator.
const (
	NoticeOfflineSend     = "Message could not be sent. You appear to be offline."
	NoticeUndelivered     = "Message could not be delivered. Please check your connection and try again."
	NoticeSessionEnded    = "The chat session has ended."
	NoticeFeedbackRequest = "The chat session has ended. We would appreciate your feedback on this conversation."
)

// DefaultHandoffSettle is the delay between switching the active channel and
// dialing the operator.
const DefaultHandoffSettle = 50 * time.Millisecond

// AutomationChannel is the coordinator's view of the automation channel.
type AutomationChannel interface {
	Bind(l automation.Listener)
	Connect(sessionID string, newChat bool)
	Send(text string) error
	SendDirective(directive string) error
	End()
	Disconnect()
	RestartForNewSession(newID string)
	Resume()
	View() domain.ChannelView
	ErrorShown() bool
	SetErrorShown(shown bool)
}

// OperatorChannel is the coordinator's view of the operator channel.
type OperatorChannel interface {
	Bind(l operator.Listener)
	Connect(sessionID string, hint operator.Hint) error
	Send(text string) error
	EndChat()
	Disconnect()
	Resume()
	Connected() bool
	View() domain.ChannelView
	ErrorShown() bool
	SetErrorShown(shown bool)
}

var (
	_ AutomationChannel = (*automation.Channel)(nil)
	_ OperatorChannel   = (*operator.Channel)(nil)
)

// Deps are the collaborators the coordinator drives.
type Deps struct {
	Loop       *eventloop.Loop
	Scheduler  *eventloop.Scheduler
	Log        *messagelog.Log
	Identity   *identity.Session
	Repo       store.Repository
	Network    *network.Monitor
	Automation AutomationChannel
	Operator   OperatorChannel
	Feedback   *feedback.Controller
	Logger     *slog.Logger
}

// Options tune coordinator behavior.
type Options struct {
	HandoffSettle time.Duration
	// FeedbackOnUserEnd requests feedback when the user ends an operator chat.
	FeedbackOnUserEnd bool
}

// Coordinator owns the session state. Exported methods are safe to call
// from any goroutine except the event loop itself.
type Coordinator struct {
	loop     *eventloop.Loop
	sched    *eventloop.Scheduler
	log      *messagelog.Log
	identity *identity.Session
	repo     store.Repository
	net      *network.Monitor
	bot      AutomationChannel
	op       OperatorChannel
	fb       *feedback.Controller
	opts     Options
	logger   *slog.Logger

	sessionID string
	state     domain.HandoffState
	widget    domain.WidgetState
	settle    *eventloop.Handle

	flushQueued bool
	writer      *snapshotWriter
	hub         *Hub
}

// New wires the coordinator to its collaborators.
func New(d Deps, opts Options) *Coordinator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if opts.HandoffSettle <= 0 {
		opts.HandoffSettle = DefaultHandoffSettle
	}
	c := &Coordinator{
		loop:     d.Loop,
		sched:    d.Scheduler,
		log:      d.Log,
		identity: d.Identity,
		repo:     d.Repo,
		net:      d.Network,
		bot:      d.Automation,
		op:       d.Operator,
		fb:       d.Feedback,
		opts:     opts,
		logger:   d.Logger.With("component", "handoff"),
		state:    domain.InitialHandoffState(),
		widget:   domain.DefaultWidgetState(),
		writer:   newSnapshotWriter(d.Repo, d.Logger),
		hub:      NewHub(),
	}
	h := (*host)(c)
	c.bot.Bind(h)
	c.op.Bind(h)
	c.fb.Bind(h)
	c.net.Bind(h)
	return c
}

// Hub returns the state broadcaster.
func (c *Coordinator) Hub() *Hub { return c.hub }

// Persist writes snapshots until ctx is done, then writes the latest one.
func (c *Coordinator) Persist(ctx context.Context) {
	c.writer.run(ctx)
}

// Close disconnects both channels and offers the final snapshot to the
// writer. Call it before stopping Persist so the last write is current.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		c.settle.Cancel()
		c.settle = nil
		c.op.Disconnect()
		c.bot.Disconnect()
		c.flush()
		c.logger.Info("chat session closed", "session_id", c.sessionID)
	})
}

// Start restores the persisted session and connects its channels.
func (c *Coordinator) Start(ctx context.Context) error {
	id := c.identity.Ensure(ctx)

	var snap *domain.Snapshot
	if c.repo != nil {
		s, err := c.repo.LoadSnapshot(ctx)
		if err != nil {
			c.logger.Warn("session snapshot unavailable, starting fresh", "error", err)
		} else {
			snap = s
		}
	}
	return c.loop.Do(ctx, func() { c.start(id, snap) })
}

func (c *Coordinator) start(id string, snap *domain.Snapshot) {
	c.sessionID = id
	if snap != nil && snap.SessionID != "" && snap.SessionID != id {
		c.logger.Info("discarding snapshot from another session", "session_id", id, "snapshot_session_id", snap.SessionID)
		snap = nil
	}
	if snap != nil {
		c.restore(snap)
	}

	if c.state.ChatEnded {
		c.logger.Info("restored ended chat, waiting for new chat", "session_id", id)
		c.changed()
		return
	}

	c.bot.Connect(id, false)
	if c.state.LastChatState == domain.ChannelOperator {
		c.state.ConnectingToOperator = true
		if err := c.op.Connect(id, operator.Hint{AgentName: c.state.OperatorName}); err != nil {
			c.state.ConnectingToOperator = false
			c.logger.Warn("operator reconnect after restore refused", "error", err, "session_id", id)
		}
	}
	c.changed()
}

func (c *Coordinator) restore(snap *domain.Snapshot) {
	c.log.Restore(snap.Messages)

	last := snap.LastChatState
	if snap.OperatorActive {
		last = domain.ChannelOperator
	}
	if last != domain.ChannelOperator {
		last = domain.ChannelAutomation
	}
	c.state.ActiveChannel = last
	c.state.LastChatState = last
	c.state.OperatorName = snap.OperatorName
	c.state.ChatEnded = snap.ChatEnded

	c.widget = snap.Widget
	if c.widget.Position == "" {
		c.widget.Position = domain.PositionBottomRight
	}
	if c.widget.Tab == "" {
		c.widget.Tab = domain.DefaultWidgetState().Tab
	}

	c.bot.SetErrorShown(snap.AutomationErrorShown)
	c.op.SetErrorShown(snap.OperatorErrorShown)
	c.logger.Info("session restored", "session_id", c.sessionID, "messages", len(snap.Messages), "last_chat_state", last)
}

// do runs fn on the loop and returns its error.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	var err error
	if loopErr := c.loop.Do(ctx, func() { err = fn() }); loopErr != nil {
		return loopErr
	}
	return err
}

// State returns the full public view of the session.
func (c *Coordinator) State(ctx context.Context) (domain.State, error) {
	var s domain.State
	err := c.loop.Do(ctx, func() { s = c.buildState() })
	return s, err
}

// SendMessage routes user text to the active channel.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	return c.do(ctx, func() error { return c.sendMessage(text) })
}

func (c *Coordinator) sendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if c.state.ChatEnded {
		return ErrChatEnded
	}
	if c.state.ConnectingToOperator {
		return ErrHandoffInFlight
	}
	defer c.changed()

	if !c.net.Online() {
		c.appendSystem(NoticeOfflineSend)
		return ErrOffline
	}

	var err error
	switch c.state.ActiveChannel {
	case domain.ChannelOperator:
		err = c.op.Send(text)
	default:
		err = c.bot.Send(text)
	}
	if err != nil {
		c.logger.Warn("message not delivered", "error", err, "channel", c.state.ActiveChannel, "session_id", c.sessionID)
		c.appendSystem(NoticeUndelivered)
		return fmt.Errorf("send to %s: %w", c.state.ActiveChannel, err)
	}

	c.appendMessage(domain.TextMessage(c.sched.Now(), domain.RoleUser, text))
	if c.state.ActiveChannel == domain.ChannelAutomation {
		c.state.Loading = true
	}
	return nil
}

// InitiateHandoff moves the conversation to an operator.
func (c *Coordinator) InitiateHandoff(ctx context.Context, hint operator.Hint) error {
	return c.do(ctx, func() error { return c.initiateHandoff(hint) })
}

func (c *Coordinator) initiateHandoff(hint operator.Hint) error {
	if c.state.ChatEnded {
		return ErrChatEnded
	}
	if c.state.ConnectingToOperator || c.op.Connected() {
		c.logger.Info("handoff already in progress", "session_id", c.sessionID)
		return nil
	}
	if hint.AgentName == "" {
		hint.AgentName = c.state.OperatorName
	}

	c.state.ActiveChannel = domain.ChannelOperator
	c.state.LastChatState = domain.ChannelOperator
	c.state.ConnectingToOperator = true
	c.state.Loading = false
	c.logger.Info("handoff initiated", "session_id", c.sessionID)

	c.settle.Cancel()
	// The active channel flips first so no message is routed to the bot mid-transition.
	c.settle = c.sched.After(c.opts.HandoffSettle, func() {
		c.settle = nil
		if c.state.ActiveChannel != domain.ChannelOperator || c.state.ChatEnded {
			return
		}
		if err := c.op.Connect(c.sessionID, hint); err != nil {
			c.logger.Warn("operator connect refused", "error", err, "session_id", c.sessionID)
			c.state.ConnectingToOperator = false
		}
		c.changed()
	})
	c.changed()
	return nil
}

// EndOperatorChat ends the operator conversation on the user's behalf.
func (c *Coordinator) EndOperatorChat(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.endOperatorChat(true)
		return nil
	})
}

func (c *Coordinator) endOperatorChat(byUser bool) {
	c.settle.Cancel()
	c.settle = nil
	if byUser {
		c.op.EndChat()
	} else {
		c.op.Disconnect()
	}

	c.state.ActiveChannel = domain.ChannelAutomation
	c.state.LastChatState = domain.ChannelAutomation
	c.state.OperatorName = ""
	c.state.ConnectingToOperator = false
	c.state.Typing = false

	// Keeps server-side bot state in line with the conversation shown.
	if err := c.bot.SendDirective(automation.DirectiveRestart); err != nil {
		c.logger.Warn("restart directive after operator chat", "error", err, "session_id", c.sessionID)
	}

	c.state.ChatEnded = true
	if !byUser || c.opts.FeedbackOnUserEnd {
		c.state.ShowFeedback = true
		c.appendSystem(NoticeFeedbackRequest)
	} else {
		c.appendSystem(NoticeSessionEnded)
	}
	c.logger.Info("operator chat ended", "session_id", c.sessionID, "by_user", byUser)
	c.changed()
}

// EndAutomationChat ends the automated conversation.
func (c *Coordinator) EndAutomationChat(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.endAutomationChat()
		return nil
	})
}

func (c *Coordinator) endAutomationChat() {
	c.state.Typing = false
	c.state.Loading = false
	c.bot.End()
	c.state.ChatEnded = true
	c.logger.Info("automation chat ended", "session_id", c.sessionID)
	c.changed()
}

// ConfirmEndChat is the user's confirmed "end chat" action.
func (c *Coordinator) ConfirmEndChat(ctx context.Context) error {
	return c.do(ctx, func() error { return c.confirmEndChat() })
}

func (c *Coordinator) confirmEndChat() error {
	if c.state.ChatEnded {
		return ErrChatEnded
	}
	c.state.Typing = false
	c.state.Loading = false
	if c.state.ActiveChannel == domain.ChannelOperator {
		c.endOperatorChat(true)
		return nil
	}
	c.endAutomationChat()
	c.state.ShowFeedback = true
	c.changed()
	return nil
}

// StartNewChat abandons the current session and starts a fresh one.
func (c *Coordinator) StartNewChat(ctx context.Context) (string, error) {
	newID, oldID := c.identity.Reset(ctx)
	err := c.loop.Do(ctx, func() { c.startNewChat(newID, oldID) })
	return newID, err
}

func (c *Coordinator) startNewChat(newID, oldID string) {
	c.settle.Cancel()
	c.settle = nil
	c.op.Disconnect()
	c.op.SetErrorShown(false)

	c.log.Clear()
	c.state = domain.InitialHandoffState()
	c.fb.Reset()
	c.sessionID = newID
	c.widget.Unread = 0

	c.bot.RestartForNewSession(newID)
	c.logger.Info("new chat started", "session_id", newID, "previous_session_id", oldID)
	c.changed()
}

// SetOnline feeds a host connectivity signal.
func (c *Coordinator) SetOnline(ctx context.Context, online bool) error {
	return c.loop.Do(ctx, func() {
		c.net.Set(online)
		c.changed()
	})
}

// FeedbackInput carries optional form updates.
type FeedbackInput struct {
	Rating    *int
	Satisfied *bool
	Comment   *string
}

// UpdateFeedback edits the feedback form.
func (c *Coordinator) UpdateFeedback(ctx context.Context, in FeedbackInput) error {
	return c.do(ctx, func() error {
		if !c.state.ShowFeedback {
			return ErrFeedbackUnavailable
		}
		if in.Rating != nil {
			if err := c.fb.SetRating(*in.Rating); err != nil {
				return err
			}
		}
		if in.Satisfied != nil {
			c.fb.SetSatisfied(*in.Satisfied)
		}
		if in.Comment != nil {
			c.fb.SetComment(*in.Comment)
		}
		c.changed()
		return nil
	})
}

// SubmitFeedback posts the feedback form.
func (c *Coordinator) SubmitFeedback(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.state.ShowFeedback {
			return ErrFeedbackUnavailable
		}
		return c.fb.Submit(c.sessionID)
	})
}

// SkipFeedback closes the feedback form without submitting.
func (c *Coordinator) SkipFeedback(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.state.ShowFeedback {
			return ErrFeedbackUnavailable
		}
		c.fb.Skip()
		return nil
	})
}

// WidgetInput carries optional widget updates.
type WidgetInput struct {
	Open *bool
	Tab  *string
}

// UpdateWidget changes the widget presentation state.
func (c *Coordinator) UpdateWidget(ctx context.Context, in WidgetInput) (domain.WidgetState, error) {
	var w domain.WidgetState
	err := c.loop.Do(ctx, func() {
		if in.Open != nil {
			c.widget.Open = *in.Open
		}
		if in.Tab != nil && *in.Tab != "" {
			c.widget.Tab = *in.Tab
		}
		c.updateUnread()
		c.changed()
		w = c.widget
	})
	return w, err
}

// CycleWidgetPosition moves the widget to the next docking position.
func (c *Coordinator) CycleWidgetPosition(ctx context.Context) (domain.WidgetState, error) {
	var w domain.WidgetState
	err := c.loop.Do(ctx, func() {
		c.widget.Position = c.widget.Position.Next()
		c.changed()
		w = c.widget
	})
	return w, err
}

func (c *Coordinator) appendMessage(msg domain.Message) {
	if c.log.Append(msg) {
		c.updateUnread()
	}
}

func (c *Coordinator) appendSystem(content string) {
	c.appendMessage(domain.SystemMessage(c.sched.Now(), content))
}

// updateUnread keeps a single unread indicator while the widget is closed.
func (c *Coordinator) updateUnread() {
	if c.widget.Open {
		c.widget.Unread = 0
		return
	}
	if c.log.Len() > 1 && c.log.CountRole(domain.RoleAssistant) > 0 {
		c.widget.Unread = 1
		return
	}
	c.widget.Unread = 0
}

func (c *Coordinator) buildState() domain.State {
	return domain.State{
		SessionID:  c.sessionID,
		Online:     c.net.Online(),
		Messages:   c.log.Messages(),
		Handoff:    c.state,
		Feedback:   c.fb.State(),
		Widget:     c.widget,
		Automation: c.bot.View(),
		Operator:   c.op.View(),
	}
}

func (c *Coordinator) buildSnapshot() *domain.Snapshot {
	return &domain.Snapshot{
		SessionID:            c.sessionID,
		Messages:             c.log.Messages(),
		OperatorActive:       c.state.ActiveChannel == domain.ChannelOperator,
		OperatorName:         c.state.OperatorName,
		LastChatState:        c.state.LastChatState,
		ChatEnded:            c.state.ChatEnded,
		Widget:               c.widget,
		AutomationErrorShown: c.bot.ErrorShown(),
		OperatorErrorShown:   c.op.ErrorShown(),
	}
}

// changed schedules one coalesced publish and snapshot write for the
// mutations made in the current loop task.
func (c *Coordinator) changed() {
	if c.flushQueued {
		return
	}
	c.flushQueued = true
	c.sched.Post(c.flush)
}

func (c *Coordinator) flush() {
	c.flushQueued = false
	c.writer.offer(c.buildSnapshot())
	c.hub.Publish(c.buildState())
}
