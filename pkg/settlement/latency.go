package settlement

import (
	"sync"
	"time"
)

// LatencyWindow keeps the most recent processing durations. The oldest sample is overwritten first.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	lastAt  *time.Time
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 1000
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

func (w *LatencyWindow) Add(d time.Duration, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
	at = at.UTC()
	w.lastAt = &at
}

func (w *LatencyWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// Snapshot returns the mean in milliseconds and the time of the latest sample.
func (w *LatencyWindow) Snapshot() (float64, *time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	count := w.next
	if w.full {
		count = len(w.samples)
	}
	if count == 0 {
		return 0, nil
	}
	var total time.Duration
	for _, sample := range w.samples[:count] {
		total += sample
	}
	lastAt := *w.lastAt
	return float64(total.Microseconds()) / float64(count) / 1000, &lastAt
}
