package protocol

import (
	"container/heap"
	"context"
	"time"

	"vtcp/priorityQueue"
)

// Scheduler runs callbacks one at a time. Every inbound delivery and every
// timer of a host goes through the same Scheduler, so handlers never
// interleave and the engine needs no locks.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) *Timer
	Now() time.Time
}

// Timer is the handle of one scheduled callback. Cancel is idempotent, and a
// timer fires at most once.
type Timer struct {
	fn   func()
	done bool
	stop func()
}

func (t *Timer) Cancel() {
	if t == nil || t.done {
		return
	}
	t.done = true
	if t.stop != nil {
		t.stop()
	}
}

func (t *Timer) Active() bool {
	return t != nil && !t.done
}

func (t *Timer) fire() {
	if t.done {
		return
	}
	t.done = true
	t.fn()
}

// SimLoop is a Scheduler on a virtual clock. Time only moves when events are
// stepped, which makes timeouts and link delays deterministic.
type SimLoop struct {
	now   time.Time
	queue priorityQueue.PriorityQueue
	seq   uint64
}

func NewSimLoop() *SimLoop {
	return &SimLoop{now: time.Unix(0, 0)}
}

func (loop *SimLoop) Now() time.Time { return loop.now }

func (loop *SimLoop) Schedule(d time.Duration, fn func()) *Timer {
	t := &Timer{fn: fn}
	ev := &priorityQueue.Event{Deadline: loop.now.Add(d), Seq: loop.seq, Fire: t.fire}
	loop.seq++
	heap.Push(&loop.queue, ev)
	t.stop = func() { loop.queue.Remove(ev) }
	return t
}

// Pending is the number of events still queued.
func (loop *SimLoop) Pending() int { return loop.queue.Len() }

// Step fires the earliest event. It returns false when nothing is queued.
func (loop *SimLoop) Step() bool {
	if loop.queue.Len() == 0 {
		return false
	}
	ev := heap.Pop(&loop.queue).(*priorityQueue.Event)
	if ev.Deadline.After(loop.now) {
		loop.now = ev.Deadline
	}
	ev.Fire()
	return true
}

// RunFor fires every event due within d and leaves the clock at now+d.
func (loop *SimLoop) RunFor(d time.Duration) {
	until := loop.now.Add(d)
	for {
		next := loop.queue.Peek()
		if next == nil || next.Deadline.After(until) {
			break
		}
		loop.Step()
	}
	loop.now = until
}

// RunUntilIdle steps until the queue drains or limit events have fired.
func (loop *SimLoop) RunUntilIdle(limit int) int {
	n := 0
	for n < limit && loop.Step() {
		n++
	}
	return n
}

// RunUntil steps until cond holds, the queue drains, or limit events have fired.
func (loop *SimLoop) RunUntil(cond func() bool, limit int) bool {
	for n := 0; n < limit; n++ {
		if cond() {
			return true
		}
		if !loop.Step() {
			break
		}
	}
	return cond()
}

// EventLoop is a real-time Scheduler. Callbacks from other goroutines (link
// readers, expired time.Timers, the REPL) are posted to a channel and run on
// the goroutine that called Run.
type EventLoop struct {
	events chan func()
	done   chan struct{}
}

func NewEventLoop(backlog int) *EventLoop {
	return &EventLoop{
		events: make(chan func(), backlog),
		done:   make(chan struct{}),
	}
}

func (loop *EventLoop) Now() time.Time { return time.Now() }

func (loop *EventLoop) Schedule(d time.Duration, fn func()) *Timer {
	t := &Timer{fn: fn}
	rt := time.AfterFunc(d, func() { loop.Post(t.fire) })
	t.stop = func() { rt.Stop() }
	return t
}

// Post queues fn to run on the loop. It is dropped once the loop has stopped.
func (loop *EventLoop) Post(fn func()) {
	select {
	case loop.events <- fn:
	case <-loop.done:
	}
}

// Do runs fn on the loop and waits for it to finish.
func (loop *EventLoop) Do(fn func()) bool {
	finished := make(chan struct{})
	loop.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return true
	case <-loop.done:
		return false
	}
}

func (loop *EventLoop) Run(ctx context.Context) error {
	defer close(loop.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-loop.events:
			fn()
		}
	}
}
