// Package clock implements the global version clock: a monotonic
// counter sampled on every transaction start and bumped on every
// committing writer, with an optional quiescing rollover reset.
package clock

import (
	"math"
	"sync"
)

// Overflow is the sentinel clock value signalling that no further
// increments are representable; callers must treat it as "cannot
// extend, must abort".
const Overflow = math.MaxUint64

// Clock is the global monotonic version counter, component A.
type Clock struct {
	value uint64 // always accessed through atomic ops; reset under mu

	rollover bool

	mu      sync.Mutex
	cond    *sync.Cond
	active  int
	waiting bool
}

// Option configures a Clock.
type Option func(*Clock)

// WithRollover enables the quiescing clock-reset path.
func WithRollover() Option {
	return func(c *Clock) { c.rollover = true }
}

// New creates a Clock starting at 0.
func New(opts ...Option) *Clock {
	c := &Clock{}
	for _, o := range opts {
		o(c)
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Get returns the current clock value (acquire-ordered load).
func (c *Clock) Get() uint64 {
	return atomicLoad(&c.value)
}

// FetchInc performs a full-barrier fetch-and-add, returning the new
// value.
func (c *Clock) FetchInc() uint64 {
	return atomicAdd(&c.value, 1)
}

// Enter registers an in-flight transaction with the rollover quiesce
// mechanism. It is a no-op unless WithRollover was set. It must be
// called before a transaction samples the clock and matched with Exit
// when the transaction terminates.
func (c *Clock) Enter() {
	if !c.rollover {
		return
	}
	c.mu.Lock()
	for c.waiting {
		c.cond.Wait()
	}
	c.active++
	c.mu.Unlock()
}

// Exit unregisters an in-flight transaction. If a RequestReset call is
// waiting, the last transaction to exit performs the reset: it calls
// resetFunc (normally: clear the lock table) and zeroes the clock, so
// that the address space is in a consistent state at the new epoch.
func (c *Clock) Exit(resetFunc func()) {
	if !c.rollover {
		return
	}
	c.mu.Lock()
	c.active--
	if c.waiting && c.active == 0 {
		if resetFunc != nil {
			resetFunc()
		}
		atomicStore(&c.value, 0)
		c.waiting = false
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// RequestReset marks the clock for rollover once every in-flight
// transaction has called Exit. It blocks the calling goroutine if
// transactions are still active; call it only when Get() has already
// observed Overflow.
func (c *Clock) RequestReset(resetFunc func()) {
	if !c.rollover {
		return
	}
	c.mu.Lock()
	c.waiting = true
	if c.active == 0 {
		if resetFunc != nil {
			resetFunc()
		}
		atomicStore(&c.value, 0)
		c.waiting = false
		c.cond.Broadcast()
	} else {
		for c.waiting {
			c.cond.Wait()
		}
	}
	c.mu.Unlock()
}
