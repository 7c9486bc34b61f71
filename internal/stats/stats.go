// Package stats implements per-target second-resolution traffic counters
// over a one-hour circular window, with sliding-window aggregates exposed
// through the admin stats endpoint.
package stats

import (
	"sync"
	"time"
)

// Slots is the ring size: one slot per second over an hour.
const Slots = 3600

// ring is a single target's counter ring. The cursor is the slot for the
// current wall-clock second (minute*60 + second); when it wraps past slot 0
// the ring is zeroed once per wrap.
type ring struct {
	counter  [Slots]int64
	lastSlot int
}

// Collector tracks one ring per target, created lazily on first event.
type Collector struct {
	mu      sync.Mutex
	targets map[string]*ring
	now     func() time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		targets: make(map[string]*ring),
		now:     time.Now,
	}
}

// NewCollectorWithClock creates a collector with an injected clock, for tests.
func NewCollectorWithClock(now func() time.Time) *Collector {
	c := NewCollector()
	c.now = now
	return c
}

// Log counts one event for the target in the current second.
func (c *Collector) Log(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.targets[target]
	if !ok {
		r = &ring{lastSlot: -1}
		c.targets[target] = r
	}

	t := c.now()
	s := t.Minute()*60 + t.Second()

	if s != r.lastSlot {
		if s == 0 {
			// The cursor wrapped; start the new hour from a clean ring.
			r.counter = [Slots]int64{}
		}
		r.counter[s] = 1
		r.lastSlot = s
		return
	}
	r.counter[s]++
}

// Snapshot is a point-in-time readout for one target. Counters are rotated
// so the most recent slot is last; the aggregates are rolling sums over the
// most recent N seconds.
type Snapshot struct {
	Counters []int64 `json:"counters"`
	Last1s   int64   `json:"1s"`
	Last1m   int64   `json:"1m"`
	Last5m   int64   `json:"5m"`
	Last15m  int64   `json:"15m"`
	Last30m  int64   `json:"30m"`
	Last1h   int64   `json:"1h"`
}

// Snapshot returns the readout for a target, or nil if the target has never
// logged an event.
func (c *Collector) Snapshot(target string) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.targets[target]
	if !ok {
		return nil
	}

	t := c.now()
	s := t.Minute()*60 + t.Second()

	snap := &Snapshot{Counters: make([]int64, Slots)}
	// Re-rotate so slot s lands at the end.
	for i := 0; i < Slots; i++ {
		snap.Counters[i] = r.counter[(s+1+i)%Slots]
	}

	sumLast := func(n int) int64 {
		var sum int64
		for i := 0; i < n; i++ {
			sum += r.counter[((s-i)%Slots+Slots)%Slots]
		}
		return sum
	}
	snap.Last1s = sumLast(1)
	snap.Last1m = sumLast(60)
	snap.Last5m = sumLast(5 * 60)
	snap.Last15m = sumLast(15 * 60)
	snap.Last30m = sumLast(30 * 60)
	snap.Last1h = sumLast(Slots)
	return snap
}

// All returns snapshots for every target that has logged at least one event.
func (c *Collector) All() map[string]*Snapshot {
	c.mu.Lock()
	names := make([]string, 0, len(c.targets))
	for name := range c.targets {
		names = append(names, name)
	}
	c.mu.Unlock()

	out := make(map[string]*Snapshot, len(names))
	for _, name := range names {
		if snap := c.Snapshot(name); snap != nil {
			out[name] = snap
		}
	}
	return out
}
