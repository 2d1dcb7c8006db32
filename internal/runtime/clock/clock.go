// Package clock abstracts time so waiter deadlines can be driven by tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the time operations needed by the correlation waiter.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer represents a timer that can be stopped and provides a channel.
type Timer interface {
	Stop() bool
	C() <-chan time.Time
}

// Real implements Clock using the standard time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool          { return t.timer.Stop() }
func (t *realTimer) C() <-chan time.Time { return t.timer.C }

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Fake is a manually advanced Clock. Timers fire only when Advance moves the
// current time to or past their deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	created chan struct{}
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, created: make(chan struct{}, 64)}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	t := &fakeTimer{deadline: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	c.mu.Unlock()

	select {
	case c.created <- struct{}{}:
	default:
	}
	return t
}

// Advance moves time forward and fires any expired timers.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()

	for _, t := range timers {
		t.fire(now)
	}
}

// WaitForTimer blocks until a timer has been created or the wait elapses.
// It reports whether a timer was observed.
func (c *Fake) WaitForTimer(wait time.Duration) bool {
	select {
	case <-c.created:
		return true
	case <-time.After(wait):
		return false
	}
}

type fakeTimer struct {
	mu       sync.Mutex
	deadline time.Time
	ch       chan time.Time
	stopped  bool
	fired    bool
}

func (t *fakeTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired || t.deadline.After(now) {
		return
	}
	t.fired = true
	t.ch <- now
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasRunning := !t.stopped && !t.fired
	t.stopped = true
	return wasRunning
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
