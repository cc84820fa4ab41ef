package routing

import (
	"math"
	"sort"
	"sync"
	"time"
)

// sampleWindow keeps the most recent latency samples for one key. When full
// the oldest sample is dropped first.
type sampleWindow struct {
	mu      sync.RWMutex
	samples []time.Duration
	limit   int
}

func newSampleWindow(limit int) *sampleWindow {
	return &sampleWindow{limit: limit}
}

func (w *sampleWindow) add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, d)
	if len(w.samples) > w.limit {
		w.samples = append(w.samples[:0:0], w.samples[len(w.samples)-w.limit:]...)
	}
}

func (w *sampleWindow) len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}

// percentile returns the q-th quantile (0..1) by nearest rank.
func (w *sampleWindow) percentile(q float64) time.Duration {
	w.mu.RLock()
	sorted := append([]time.Duration(nil), w.samples...)
	w.mu.RUnlock()
	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	switch {
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
