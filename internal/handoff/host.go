package handoff

import (
	"github.com/ashureev/chatbridge/internal/automation"
	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/feedback"
	"github.com/ashureev/chatbridge/internal/network"
	"github.com/ashureev/chatbridge/internal/operator"
)

// host is the coordinator as seen by its collaborators. Every method runs
// on the event loop.
type host Coordinator

var (
	_ automation.Listener = (*host)(nil)
	_ operator.Listener   = (*host)(nil)
	_ feedback.Listener   = (*host)(nil)
	_ network.Listener    = (*host)(nil)
)

func (h *host) c() *Coordinator { return (*Coordinator)(h) }

func (h *host) Append(msg domain.Message) {
	h.c().appendMessage(msg)
	h.c().changed()
}

func (h *host) AppendOnce(content string) {
	if h.log.HasSystemNotice(content) {
		return
	}
	h.c().appendSystem(content)
	h.c().changed()
}

func (h *host) SetTyping(on bool) {
	h.state.Typing = on
	h.c().changed()
}

func (h *host) SetLoading(on bool) {
	h.state.Loading = on
	h.c().changed()
}

func (h *host) EndSession(notice string) {
	if h.state.ChatEnded {
		return
	}
	if notice != "" {
		h.c().appendSystem(notice)
	}
	h.state.ChatEnded = true
	h.state.ConnectingToOperator = false
	h.state.Loading = false
	h.state.Typing = false
	h.logger.Info("session ended", "session_id", h.sessionID)
	h.c().changed()
}

func (h *host) ActiveChannel() domain.Channel { return h.state.ActiveChannel }

func (h *host) Online() bool { return h.net.Online() }

func (h *host) Notify() { h.c().changed() }

func (h *host) HandoffRequested(req automation.HandoffRequest) {
	hint := operator.Hint{UserEmail: req.Email, UserName: req.Name}
	if err := h.c().initiateHandoff(hint); err != nil {
		h.logger.Info("handoff request ignored", "error", err, "session_id", h.sessionID)
	}
}

func (h *host) OperatorConnected() {
	h.state.ConnectingToOperator = false
	h.state.ActiveChannel = domain.ChannelOperator
	h.state.LastChatState = domain.ChannelOperator
	h.c().changed()
}

func (h *host) OperatorJoined(name string) {
	h.state.OperatorName = name
	h.c().changed()
}

func (h *host) OperatorEnded() {
	h.c().endOperatorChat(false)
}

func (h *host) OperatorUnavailable() {
	h.state.ConnectingToOperator = false
	h.state.ActiveChannel = domain.ChannelAutomation
	h.state.LastChatState = domain.ChannelAutomation
	h.state.Typing = false
	h.c().changed()
}

func (h *host) FeedbackCompleted() {
	h.state.ShowFeedback = false
	h.state.ChatEnded = true
	h.c().changed()
}

func (h *host) WentOffline() {
	h.c().appendSystem(network.NoticeOffline)
	h.c().changed()
}

func (h *host) CameOnline() {
	c := h.c()
	c.bot.Resume()
	if c.state.LastChatState == domain.ChannelOperator && !c.state.ChatEnded {
		c.op.Resume()
		if err := c.op.Connect(c.sessionID, operator.Hint{AgentName: c.state.OperatorName}); err != nil {
			c.logger.Warn("operator reconnect refused", "error", err, "session_id", c.sessionID)
		}
	}
	c.appendSystem(network.NoticeRestored)
	c.changed()
}
