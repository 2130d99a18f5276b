// internal/machine/tickclock.go

package machine

import (
	"sync/atomic"
	"time"
)

// TickClock is the programmable interval timer. It emits ticks and counts
// them atomically. Like an edge-triggered IRQ line, ticks that are not
// consumed in time are coalesced rather than queued.
type TickClock struct {
	Ch    chan struct{}
	count atomic.Int64
	stop  chan struct{}
}

// NewTickClock creates a clock with room for buffer pending ticks.
func NewTickClock(buffer int) *TickClock {
	if buffer <= 0 {
		buffer = 1
	}
	return &TickClock{
		Ch:   make(chan struct{}, buffer),
		stop: make(chan struct{}),
	}
}

// Start begins emitting ticks at the given interval.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Add(1)
				select {
				case c.Ch <- struct{}{}:
				default: // previous tick still pending
				}
			case <-c.stop:
				close(c.Ch)
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks.
func (c *TickClock) Stop() {
	close(c.stop)
}

// Count returns the number of ticks fired so far.
func (c *TickClock) Count() int64 {
	return c.count.Load()
}
