package timing

import "sync"

// RenderBufferCapacity is the number of frames a RenderBuffer holds.
const RenderBufferCapacity = 30

// RenderBuffer is a fixed-capacity buffer of decoded frames in timestamp
// order. Frames leaving the buffer other than through GetItemByTimestamp
// are passed to the release function.
type RenderBuffer[T any] struct {
	mu      sync.Mutex
	items   []renderItem[T]
	release func(T)
}

type renderItem[T any] struct {
	ts int64
	v  T
}

// NewRenderBuffer returns an empty buffer. release may be nil.
func NewRenderBuffer[T any](release func(T)) *RenderBuffer[T] {
	return &RenderBuffer[T]{
		items:   make([]renderItem[T], 0, RenderBufferCapacity),
		release: release,
	}
}

// AddItem appends a frame. It returns false when the buffer is full; the
// caller keeps ownership of v and must drop it.
func (b *RenderBuffer[T]) AddItem(ts int64, v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= RenderBufferCapacity {
		return false
	}
	b.items = append(b.items, renderItem[T]{ts: ts, v: v})
	return true
}

// GetItemByTimestamp releases every frame older than ts and removes and
// returns the first frame at or after it. discarded counts the released
// frames; found is false when no frame at or after ts is buffered.
func (b *RenderBuffer[T]) GetItemByTimestamp(ts int64) (v T, found bool, discarded int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.items) && b.items[i].ts < ts {
		b.drop(b.items[i].v)
		i++
	}
	discarded = i
	if i < len(b.items) {
		v, found = b.items[i].v, true
		i++
	}
	b.items = b.shift(i)
	return v, found, discarded
}

// Oldest returns the timestamp of the first buffered frame.
func (b *RenderBuffer[T]) Oldest() (ts int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return 0, false
	}
	return b.items[0].ts, true
}

// Len returns the number of buffered frames.
func (b *RenderBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Clear releases all buffered frames.
func (b *RenderBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range b.items {
		b.drop(it.v)
	}
	b.items = b.shift(len(b.items))
}

func (b *RenderBuffer[T]) drop(v T) {
	if b.release != nil {
		b.release(v)
	}
}

// shift removes the first n items, zeroing the vacated tail so released
// frames are not retained by the backing array.
func (b *RenderBuffer[T]) shift(n int) []renderItem[T] {
	if n == 0 {
		return b.items
	}
	rest := copy(b.items, b.items[n:])
	clear(b.items[rest:])
	return b.items[:rest]
}
