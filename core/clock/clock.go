// Package clock provides monotonic millisecond timestamps and monotonic
// sequence numbers for the gateway's events, log entries, and LiveData
// records.
package clock

import (
	"sync"
	"time"
)

// Clock generates monotonic millisecond timestamps and strictly increasing
// sequence numbers. A single Clock is normally shared by every subsystem
// that needs to stamp a record, so that sequence numbers form one global
// order.
type Clock struct {
	mu       sync.Mutex
	lastSeq  uint64
	nowFn    func() int64 // overridable for testing; returns unix milliseconds
}

// New creates a Clock backed by the system's monotonic clock.
func New() *Clock {
	start := time.Now()
	return &Clock{
		nowFn: func() int64 {
			return start.UnixMilli() + time.Since(start).Milliseconds()
		},
	}
}

// NewForTesting builds a Clock backed by a caller-supplied time function,
// so dependent packages can drive deterministic watchdog/poller/diagnostic
// tests without reaching into clock's unexported fields.
func NewForTesting(nowFn func() int64) *Clock {
	return &Clock{nowFn: nowFn}
}

// NowMillis returns the current monotonic timestamp in milliseconds.
func (c *Clock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// NextSequence returns a strictly increasing sequence number, starting at 1.
// Used for diagnostic ring entries and any other append-only log that needs
// a total order independent of wall-clock resolution.
func (c *Clock) NextSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeq++
	return c.lastSeq
}
