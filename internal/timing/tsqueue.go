package timing

import "sync"

// TsQueue tracks chunks handed to a decoder and not yet consumed.
// Timestamps and durations are in microseconds.
type TsQueue struct {
	mu    sync.Mutex
	items []tsItem
	total int64
}

type tsItem struct {
	ts  int64
	dur int64
}

// AddItem records a chunk handed to the decoder.
func (q *TsQueue) AddItem(ts, dur int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, tsItem{ts: ts, dur: dur})
	q.total += dur
}

// Consumed trims n items from the front and returns how many were removed.
func (q *TsQueue) Consumed(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 {
		return 0
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	for _, it := range q.items[:n] {
		q.total -= it.dur
	}
	q.items = append(q.items[:0], q.items[n:]...)
	return n
}

// Len returns the number of queued items.
func (q *TsQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DurationMs returns the summed duration of queued items in milliseconds.
func (q *TsQueue) DurationMs() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total / 1000
}

// Oldest returns the timestamp at the front of the queue.
func (q *TsQueue) Oldest() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	return q.items[0].ts, true
}

// Clear empties the queue.
func (q *TsQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	q.total = 0
}
