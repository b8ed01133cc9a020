package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/chatbridge/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoopRunsInPostOrder(t *testing.T) {
	l := startLoop(t)
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopPostFromInsideLoop(t *testing.T) {
	l := startLoop(t)
	var got []string
	require.NoError(t, l.Do(context.Background(), func() {
		got = append(got, "outer")
		l.Post(func() { got = append(got, "inner") })
	}))
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestLoopSurvivesPanic(t *testing.T) {
	l := startLoop(t)
	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopStoppedRejectsWork(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	cancel()
	<-l.Done()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrStopped)
}

func TestSchedulerCancelAfterFire(t *testing.T) {
	l := startLoop(t)
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewScheduler(l, fc)

	ran := false
	var h *Handle
	require.NoError(t, l.Do(context.Background(), func() {
		h = s.After(time.Second, func() { ran = true })
	}))

	// The timer fires while the loop is busy; the closure it posts queues
	// behind the task that cancels the handle.
	release := make(chan struct{})
	l.Post(func() {
		<-release
		h.Cancel()
	})
	fc.Advance(time.Second)
	close(release)

	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.False(t, ran)
	assert.False(t, h.Pending())
}

func TestSchedulerRunsOnLoop(t *testing.T) {
	l := startLoop(t)
	fc := clock.NewFake(time.Unix(0, 0))
	s := NewScheduler(l, fc)

	var h *Handle
	ran := false
	require.NoError(t, l.Do(context.Background(), func() {
		h = s.After(500*time.Millisecond, func() { ran = true })
	}))
	fc.Advance(499 * time.Millisecond)
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.False(t, ran)

	fc.Advance(time.Millisecond)
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.True(t, ran)
	assert.False(t, h.Pending())

	var nilHandle *Handle
	nilHandle.Cancel()
	assert.False(t, nilHandle.Pending())
}
