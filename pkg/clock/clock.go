// Package clock abstracts wall time and timers so the handshake grace period,
// run watchdogs and snapshot debouncing can be driven by a simulated clock.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable one-shot timer
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call stopped it.
	Stop() bool
}

// Clock creates timers and reports the current time
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real returns a Clock backed by the time package
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Dispatching wraps c so every timer callback is handed to dispatch instead of
// running on the timer goroutine.
func Dispatching(c Clock, dispatch func(func())) Clock {
	return dispatchingClock{inner: c, dispatch: dispatch}
}

type dispatchingClock struct {
	inner    Clock
	dispatch func(func())
}

func (d dispatchingClock) Now() time.Time { return d.inner.Now() }

func (d dispatchingClock) AfterFunc(dur time.Duration, f func()) Timer {
	return d.inner.AfterFunc(dur, func() { d.dispatch(f) })
}

// Fake is a manually advanced Clock. Timers fire synchronously inside Advance,
// on the caller's goroutine, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

// NewFake creates a fake clock starting at start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	c        *Fake
	deadline time.Time
	seq      int
	f        func()
	stopped  bool
	fired    bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Now returns the simulated time
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f at Now()+d
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, deadline: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the number of armed timers
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing every timer that comes due.
// Timers armed by callbacks fire too when their deadline is within the window.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.mu.Unlock()
		next.f()
	}
}

func (c *Fake) nextDueLocked(target time.Time) *fakeTimer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.Slice(c.timers, func(i, j int) bool {
		if c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	if len(c.timers) == 0 || c.timers[0].deadline.After(target) {
		return nil
	}
	return c.timers[0]
}
