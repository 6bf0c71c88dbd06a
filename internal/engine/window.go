package engine

import (
	"sync"
	"time"
)

// volumeWindow accumulates notional values over a rolling time window.
type volumeWindow struct {
	mu      sync.Mutex
	span    time.Duration
	entries []windowEntry
}

type windowEntry struct {
	at       time.Time
	notional float64
}

func newVolumeWindow(span time.Duration) *volumeWindow {
	return &volumeWindow{span: span}
}

// Add records a notional observation and returns the window total including
// it, pruning entries older than the span.
func (w *volumeWindow) Add(notional float64, at time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(at)
	w.entries = append(w.entries, windowEntry{at: at, notional: notional})

	var total float64
	for _, e := range w.entries {
		total += e.notional
	}
	return total
}

// Total returns the current window total without adding anything.
func (w *volumeWindow) Total(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	var total float64
	for _, e := range w.entries {
		total += e.notional
	}
	return total
}

// Reset discards all accumulated entries.
func (w *volumeWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = w.entries[:0]
}

func (w *volumeWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for ; i < len(w.entries); i++ {
		if w.entries[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}
