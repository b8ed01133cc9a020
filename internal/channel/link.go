package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/chatbridge/internal/domain"
	"github.com/ashureev/chatbridge/internal/eventloop"
	"github.com/ashureev/chatbridge/internal/transport"
)

var errConnectTimeout = errors.New("connect timed out")

// Link drives one connection through dial, retry and teardown. Every method
// must be called on the event loop; results of off-loop work are posted back
// and dropped if the link was torn down or restarted meanwhile.
type Link struct {
	cfg      Config
	dialer   transport.Dialer
	sched    *eventloop.Scheduler
	online   func() bool
	dispatch func(Event)
	logger   *slog.Logger

	status   domain.ChannelStatus
	attempts int
	epoch    uint64
	conn     transport.Conn
	target   transport.Target
	parked   bool

	cancelDial context.CancelFunc
	timeout    *eventloop.Handle
	retry      *eventloop.Handle
}

// NewLink creates an idle link. dispatch receives every Event on the loop.
func NewLink(cfg Config, dialer transport.Dialer, sched *eventloop.Scheduler, online func() bool, dispatch func(Event), logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Link{
		cfg:      cfg,
		dialer:   dialer,
		sched:    sched,
		online:   online,
		dispatch: dispatch,
		logger:   logger.With("channel", cfg.Name),
		status:   domain.StatusIdle,
		target:   cfg.Target,
	}
}

// Status returns the connection status.
func (l *Link) Status() domain.ChannelStatus { return l.status }

// Attempts returns the consecutive failed dials since the last connect.
func (l *Link) Attempts() int { return l.attempts }

// Connected reports whether frames can be emitted.
func (l *Link) Connected() bool { return l.status == domain.StatusConnected }

// Busy reports whether the link is connected or working on it.
func (l *Link) Busy() bool {
	switch l.status {
	case domain.StatusConnecting, domain.StatusReconnecting, domain.StatusConnected:
		return true
	}
	return false
}

// Start tears down any existing connection and dials target afresh.
func (l *Link) Start(target transport.Target) {
	l.teardown()
	l.target = target
	l.attempts = 0
	l.status = domain.StatusConnecting
	l.dial()
}

// Stop tears the connection down. Inbound frames and pending dial results
// are discarded from this point on.
func (l *Link) Stop() {
	if l.status == domain.StatusIdle || l.status == domain.StatusClosed {
		l.teardown()
		return
	}
	l.teardown()
	l.status = domain.StatusClosed
	l.logger.Debug("link closed")
}

// Resume dials immediately if a retry was parked while offline.
func (l *Link) Resume() {
	if !l.parked {
		return
	}
	l.parked = false
	l.logger.Info("resuming connection attempts")
	l.dial()
}

// Emit sends an event if connected.
func (l *Link) Emit(event string, v any) error {
	if l.status != domain.StatusConnected || l.conn == nil {
		return ErrNotConnected
	}
	if err := l.conn.Emit(event, v); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (l *Link) teardown() {
	l.epoch++
	l.parked = false
	l.timeout.Cancel()
	l.retry.Cancel()
	l.timeout, l.retry = nil, nil
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			l.logger.Debug("close connection", "error", err)
		}
		l.conn = nil
	}
}

func (l *Link) dial() {
	if !l.online() {
		l.parked = true
		l.logger.Info("offline, connection attempt parked", "attempt", l.attempts+1)
		return
	}

	l.epoch++
	epoch := l.epoch
	ctx, cancel := context.WithCancel(context.Background())
	l.cancelDial = cancel
	if l.cfg.ConnectTimeout > 0 {
		l.timeout = l.sched.After(l.cfg.ConnectTimeout, func() {
			if epoch != l.epoch {
				return
			}
			cancel()
			l.dialFailed(errConnectTimeout)
		})
	}

	target := l.target
	h := &linkHandler{link: l, epoch: epoch}
	l.logger.Debug("dialing", "attempt", l.attempts+1, "url", target.URL)
	go func() {
		conn, err := l.dialer.Dial(ctx, target, h)
		l.sched.Post(func() { l.dialDone(epoch, conn, err) })
	}()
}

func (l *Link) dialDone(epoch uint64, conn transport.Conn, err error) {
	if epoch != l.epoch {
		if conn != nil {
			_ = conn.Close()
		}
		l.logger.Debug("discarding stale dial result")
		return
	}
	l.timeout.Cancel()
	l.timeout = nil
	l.cancelDial = nil
	if err != nil {
		l.dialFailed(err)
		return
	}

	l.conn = conn
	l.attempts = 0
	l.status = domain.StatusConnected
	l.logger.Info("connected")
	l.dispatch(Connected{})
}

func (l *Link) dialFailed(err error) {
	l.epoch++
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	l.attempts++
	l.logger.Warn("connection attempt failed", "attempt", l.attempts, "max_attempts", l.cfg.MaxAttempts, "error", err)

	if l.attempts >= l.cfg.MaxAttempts {
		l.status = domain.StatusFailed
		l.dispatch(Exhausted{Attempts: l.attempts, Err: err})
		return
	}

	l.status = domain.StatusReconnecting
	delay := Backoff(l.attempts, l.cfg.RetryDelay, l.cfg.RetryDelayMax)
	l.retry = l.sched.After(delay, func() {
		l.retry = nil
		l.dial()
	})
	l.dispatch(DialFailed{Attempt: l.attempts, Err: err})
}

func (l *Link) dropped(epoch uint64, err error) {
	if epoch != l.epoch || l.status != domain.StatusConnected {
		return
	}
	l.conn = nil
	l.epoch++
	l.status = domain.StatusReconnecting
	l.logger.Warn("connection lost", "error", err)
	l.dispatch(Dropped{Err: err})
	if l.status != domain.StatusReconnecting {
		return
	}
	l.retry = l.sched.After(l.cfg.RetryDelay, func() {
		l.retry = nil
		l.dial()
	})
}

func (l *Link) inbound(epoch uint64, f transport.Frame) {
	if epoch != l.epoch || l.status != domain.StatusConnected {
		l.logger.Debug("dropping frame from stale connection", "event", f.Event)
		return
	}
	l.dispatch(Inbound{Frame: f})
}

type linkHandler struct {
	link  *Link
	epoch uint64
}

func (h *linkHandler) HandleFrame(f transport.Frame) {
	h.link.sched.Post(func() { h.link.inbound(h.epoch, f) })
}

func (h *linkHandler) HandleClose(err error) {
	h.link.sched.Post(func() { h.link.dropped(h.epoch, err) })
}
