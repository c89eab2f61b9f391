package coreelf

import "sync"

// MaxWarnings is the number of warnings kept per transform
const MaxWarnings = 16

// Warnings is a bounded, ordered log of diagnostics. Entries added after the
// log is full are counted and discarded.
type Warnings struct {
	mu      sync.Mutex
	items   []string
	limit   int
	dropped int
}

// NewWarnings creates a warning log holding at most limit entries
func NewWarnings(limit int) *Warnings {
	return &Warnings{
		items: make([]string, 0, limit),
		limit: limit,
	}
}

// Add records msg and reports whether it was kept
func (w *Warnings) Add(msg string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.items) >= w.limit {
		w.dropped++
		return false
	}
	w.items = append(w.items, msg)
	return true
}

// List returns a copy of the recorded warnings
func (w *Warnings) List() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, len(w.items))
	copy(out, w.items)
	return out
}

// Dropped returns how many warnings did not fit
func (w *Warnings) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}
