package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultPaveThreshold = 100

// DesireStat is the traffic record of one logical path.
type DesireStat struct {
	Path       string        `json:"path"`
	Hits       uint64        `json:"hits"`
	AvgLatency time.Duration `json:"avg_latency"`
	Paved      bool          `json:"paved"`
	PavedAt    time.Time     `json:"paved_at"`

	latencyN uint64
}

// DesirePaths counts raw hits per path and paves a path once its hit count
// exceeds the threshold. Paving is permanent.
type DesirePaths struct {
	mu        sync.RWMutex
	threshold uint64
	paths     map[string]*DesireStat
	clock     clock.Clock
	onPaved   func(DesireStat)
}

// DesireOption configures DesirePaths.
type DesireOption func(*DesirePaths)

// OnPaved registers a callback invoked once per path when it is paved.
// The callback runs outside the internal lock.
func OnPaved(fn func(DesireStat)) DesireOption {
	return func(d *DesirePaths) { d.onPaved = fn }
}

func WithDesireClock(c clock.Clock) DesireOption {
	return func(d *DesirePaths) { d.clock = c }
}

func NewDesirePaths(threshold int, opts ...DesireOption) *DesirePaths {
	if threshold <= 0 {
		threshold = DefaultPaveThreshold
	}
	d := &DesirePaths{
		threshold: uint64(threshold),
		paths:     make(map[string]*DesireStat),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	return d
}

// Record counts one hit on path. It reports true only for the hit that
// paved the path.
func (d *DesirePaths) Record(path string, latency time.Duration) bool {
	d.mu.Lock()
	st, ok := d.paths[path]
	if !ok {
		st = &DesireStat{Path: path}
		d.paths[path] = st
	}
	st.Hits++
	if latency > 0 {
		st.latencyN++
		st.AvgLatency += (latency - st.AvgLatency) / time.Duration(st.latencyN)
	}

	paved := false
	if !st.Paved && st.Hits > d.threshold {
		st.Paved = true
		st.PavedAt = d.clock.Now()
		paved = true
	}
	snapshot := *st
	d.mu.Unlock()

	if paved && d.onPaved != nil {
		d.onPaved(snapshot)
	}
	return paved
}

func (d *DesirePaths) Paved(path string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.paths[path]
	return ok && st.Paved
}

func (d *DesirePaths) Stats(path string) (DesireStat, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.paths[path]
	if !ok {
		return DesireStat{}, false
	}
	return *st, true
}

// All returns every tracked path, busiest first.
func (d *DesirePaths) All() []DesireStat {
	d.mu.RLock()
	out := make([]DesireStat, 0, len(d.paths))
	for _, st := range d.paths {
		out = append(out, *st)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].Path < out[j].Path
	})
	return out
}
