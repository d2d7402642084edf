package timing

import "sync"

// maxClockEntries bounds a ClockChecker; the oldest entry is dropped when
// it is full.
const maxClockEntries = 1024

// ClockChecker maps media timestamps to the wall-clock time the frame was
// captured, so end-to-end latency can be computed after decode.
type ClockChecker struct {
	mu      sync.Mutex
	entries []clockEntry
}

type clockEntry struct {
	ts    int64
	clock int64
}

// AddItem appends a timestamp and its capture clock. Entries are expected in
// timestamp order.
func (c *ClockChecker) AddItem(ts, clock int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxClockEntries {
		c.entries = append(c.entries[:0], c.entries[1:]...)
	}
	c.entries = append(c.entries, clockEntry{ts: ts, clock: clock})
}

// GetItemByTs returns the capture clock of the most recent entry with a
// timestamp at or before ts, or of the entry equal to ts when exact is set.
// On a match, that entry and everything before it are discarded.
func (c *ClockChecker) GetItemByTs(ts int64, exact bool) (clock int64, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, e := range c.entries {
		if e.ts > ts {
			break
		}
		if !exact || e.ts == ts {
			idx = i
		}
	}
	if idx < 0 {
		return 0, false
	}
	clock = c.entries[idx].clock
	c.entries = append(c.entries[:0], c.entries[idx+1:]...)
	return clock, true
}

// Len returns the number of stored entries.
func (c *ClockChecker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *ClockChecker) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = c.entries[:0]
}
