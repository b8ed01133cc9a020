package eventloop

import (
	"sync/atomic"
	"time"

	"github.com/ashureev/chatbridge/internal/clock"
)

// Scheduler runs delayed actions on a Loop using an injectable clock.
type Scheduler struct {
	loop  *Loop
	clock clock.Clock
}

// NewScheduler binds a loop to a clock.
func NewScheduler(loop *Loop, c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.Real{}
	}
	return &Scheduler{loop: loop, clock: c}
}

// Now returns the scheduler clock's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Post enqueues fn on the loop.
func (s *Scheduler) Post(fn func()) bool {
	return s.loop.Post(fn)
}

// After schedules fn to run on the loop once d has elapsed.
// The returned handle cancels it; cancellation wins even if the timer already
// fired but fn has not yet been dequeued.
func (s *Scheduler) After(d time.Duration, fn func()) *Handle {
	h := &Handle{}
	h.timer = s.clock.AfterFunc(d, func() {
		s.loop.Post(func() {
			if h.canceled.Load() {
				return
			}
			h.fired.Store(true)
			fn()
		})
	})
	return h
}

// Handle refers to one scheduled action.
type Handle struct {
	timer    clock.Timer
	canceled atomic.Bool
	fired    atomic.Bool
}

// Cancel prevents the action from running. It is safe on a nil handle and idempotent.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.canceled.Store(true)
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Pending reports whether the action is still waiting to run.
func (h *Handle) Pending() bool {
	if h == nil {
		return false
	}
	return !h.canceled.Load() && !h.fired.Load()
}
