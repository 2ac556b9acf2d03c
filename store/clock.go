package store

import (
	"sync"
	"time"
)

// Clock hands out epoch-millisecond timestamps that never decrease, even
// if the wall clock steps backwards. One Clock per backend instance gives
// the change log a total order per world.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock returns a Clock reading the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the current timestamp in epoch milliseconds.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UnixMilli()
	if now < c.last {
		now = c.last
	}
	c.last = now
	return now
}
