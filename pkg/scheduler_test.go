package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimLoopOrder(t *testing.T) {
	loop := NewSimLoop()
	var fired []string
	loop.Schedule(2*time.Second, func() { fired = append(fired, "b") })
	loop.Schedule(time.Second, func() { fired = append(fired, "a") })
	loop.Schedule(2*time.Second, func() { fired = append(fired, "c") })

	assert.Equal(t, 3, loop.RunUntilIdle(10))
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, time.Unix(2, 0), loop.Now())
}

func TestTimerCancel(t *testing.T) {
	loop := NewSimLoop()
	fired := 0
	timer := loop.Schedule(time.Second, func() { fired++ })
	assert.True(t, timer.Active())

	timer.Cancel()
	timer.Cancel()
	assert.False(t, timer.Active())
	assert.Equal(t, 0, loop.Pending())
	loop.RunFor(2 * time.Second)
	assert.Equal(t, 0, fired)

	var nilTimer *Timer
	nilTimer.Cancel()
	assert.False(t, nilTimer.Active())
}

func TestTimerFiresOnce(t *testing.T) {
	loop := NewSimLoop()
	fired := 0
	timer := loop.Schedule(time.Second, func() { fired++ })
	loop.RunFor(time.Second)
	assert.Equal(t, 1, fired)
	assert.False(t, timer.Active())

	// cancelling after firing is harmless
	timer.Cancel()
	timer.fire()
	assert.Equal(t, 1, fired)
}

func TestSimLoopRunFor(t *testing.T) {
	loop := NewSimLoop()
	var fired []time.Duration
	for _, d := range []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second} {
		loop.Schedule(d, func() { fired = append(fired, d) })
	}
	loop.RunFor(time.Second)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 500 * time.Millisecond}, fired)
	assert.Equal(t, time.Unix(1, 0), loop.Now())
	assert.Equal(t, 1, loop.Pending())

	// callbacks may schedule more work
	loop.Schedule(0, func() {
		loop.Schedule(time.Millisecond, func() { fired = append(fired, 0) })
	})
	assert.True(t, loop.RunUntil(func() bool { return len(fired) == 3 }, 10))
	assert.Equal(t, time.Duration(0), fired[2])
}

func TestEventLoop(t *testing.T) {
	loop := NewEventLoop(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	counter := 0
	require.True(t, loop.Do(func() { counter++ }))

	fired := make(chan struct{})
	loop.Do(func() {
		loop.Schedule(10*time.Millisecond, func() {
			counter++
			close(fired)
		})
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	cancelled := 0
	loop.Do(func() {
		loop.Schedule(10*time.Millisecond, func() { cancelled++ }).Cancel()
	})
	time.Sleep(30 * time.Millisecond)

	require.True(t, loop.Do(func() {
		assert.Equal(t, 2, counter)
		assert.Equal(t, 0, cancelled)
	}))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, loop.Do(func() {}))
}
