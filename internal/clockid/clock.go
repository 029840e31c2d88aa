// Package clockid implements component A: a monotonic wall-clock reading
// in whole seconds, and message-id generation. Kept deliberately tiny —
// every other subsystem depends on it, so it carries no dependency of
// its own beyond google/uuid.
package clockid

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock hands out unix-second timestamps that never regress, even if the
// underlying wall clock does. Safe for concurrent use.
type Clock struct {
	highWater atomic.Int64
}

// New returns a Clock seeded at the current wall-clock time.
func New() *Clock {
	c := &Clock{}
	c.highWater.Store(time.Now().Unix())
	return c
}

// NowUnixSecs returns the current time as a u32-range unix-seconds value,
// clamped so it never drops below the highest value previously returned.
func (c *Clock) NowUnixSecs() uint32 {
	now := time.Now().Unix()
	for {
		prev := c.highWater.Load()
		if now <= prev {
			return uint32(prev)
		}
		if c.highWater.CompareAndSwap(prev, now) {
			return uint32(now)
		}
	}
}

// NewMessageID returns a fresh UUID v4, used for queue message ids.
func NewMessageID() uuid.UUID {
	return uuid.New()
}
