package handoff

import (
	"github.com/ashureev/chatbridge/internal/automation"
	"github.com/ashureev/chatbridge/internal/channel"
	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/operator"
)

type botConnect struct {
	sessionID string
	newChat   bool
}

// fakeBot stands in for the automation channel. Tests flip connected.
type fakeBot struct {
	listener   automation.Listener
	connected  bool
	errorShown bool
	connects   []botConnect
	sent       []string
	directives []string
	restarts   []string
	ended      int
	resumed    int
}

func (b *fakeBot) Bind(l automation.Listener) { b.listener = l }

func (b *fakeBot) Connect(sessionID string, newChat bool) {
	b.connects = append(b.connects, botConnect{sessionID, newChat})
}

func (b *fakeBot) Send(text string) error {
	if b.listener.ActiveChannel() != domain.ChannelAutomation {
		return channel.ErrInactive
	}
	if !b.connected {
		return channel.ErrNotConnected
	}
	b.sent = append(b.sent, text)
	return nil
}

func (b *fakeBot) SendDirective(d string) error {
	if !b.connected {
		return channel.ErrNotConnected
	}
	b.directives = append(b.directives, d)
	return nil
}

func (b *fakeBot) End() {
	if b.connected {
		b.directives = append(b.directives, automation.DirectiveSessionEnd)
	}
	b.connected = false
	b.ended++
}

func (b *fakeBot) Disconnect() { b.connected = false }

func (b *fakeBot) RestartForNewSession(newID string) {
	b.restarts = append(b.restarts, newID)
	b.errorShown = false
}

func (b *fakeBot) Resume() { b.resumed++ }

func (b *fakeBot) View() domain.ChannelView {
	status := domain.StatusIdle
	if b.connected {
		status = domain.StatusConnected
	}
	return domain.ChannelView{Status: status, ErrorShown: b.errorShown}
}

func (b *fakeBot) ErrorShown() bool { return b.errorShown }

func (b *fakeBot) SetErrorShown(shown bool) { b.errorShown = shown }

type opConnect struct {
	sessionID string
	hint      operator.Hint
	active    domain.Channel
}

// fakeOp stands in for the operator channel.
type fakeOp struct {
	listener    operator.Listener
	connected   bool
	errorShown  bool
	connectErr  error
	connects    []opConnect
	sent        []string
	endChats    int
	disconnects int
	resumed     int
}

func (o *fakeOp) Bind(l operator.Listener) { o.listener = l }

func (o *fakeOp) Connect(sessionID string, hint operator.Hint) error {
	o.connects = append(o.connects, opConnect{sessionID, hint, o.listener.ActiveChannel()})
	return o.connectErr
}

func (o *fakeOp) Send(text string) error {
	if o.listener.ActiveChannel() != domain.ChannelOperator {
		return channel.ErrInactive
	}
	if !o.connected {
		return channel.ErrNotConnected
	}
	o.sent = append(o.sent, text)
	return nil
}

func (o *fakeOp) EndChat() {
	o.endChats++
	o.connected = false
}

func (o *fakeOp) Disconnect() {
	o.disconnects++
	o.connected = false
}

func (o *fakeOp) Resume() { o.resumed++ }

func (o *fakeOp) Connected() bool { return o.connected }

func (o *fakeOp) View() domain.ChannelView {
	status := domain.StatusIdle
	if o.connected {
		status = domain.StatusConnected
	}
	return domain.ChannelView{Status: status, ErrorShown: o.errorShown}
}

func (o *fakeOp) ErrorShown() bool { return o.errorShown }

func (o *fakeOp) SetErrorShown(shown bool) { o.errorShown = shown }
