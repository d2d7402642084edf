package delivery

import "sync"

// KeyframeGate holds back delta chunks until a key chunk arrives. It starts
// armed. A delta from a group whose key chunk was never seen re-arms it.
type KeyframeGate struct {
	mu        sync.Mutex
	open      bool
	discarded int
	group     uint64
}

// Admit reports whether a chunk of group may pass. When a key chunk opens
// the gate, discarded is the number of deltas dropped while it was armed.
func (g *KeyframeGate) Admit(key bool, group uint64) (pass bool, discarded int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if key {
		discarded = g.discarded
		g.open, g.discarded, g.group = true, 0, group
		return true, discarded
	}
	if g.open && group > g.group {
		g.open = false
	}
	if !g.open || group < g.group {
		g.discarded++
		return false, 0
	}
	return true, 0
}

// Rearm closes the gate until the next key chunk.
func (g *KeyframeGate) Rearm() {
	g.mu.Lock()
	g.open = false
	g.mu.Unlock()
}

// Discarded returns the deltas dropped since the gate last opened.
func (g *KeyframeGate) Discarded() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.discarded
}
