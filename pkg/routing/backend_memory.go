package routing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps trails in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	trails map[string]*Trail
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{trails: make(map[string]*Trail)}
}

func (m *MemoryBackend) Deposit(_ context.Context, path string, d Deposit, now time.Time, halfLife time.Duration) (Trail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trails[path]
	if !ok {
		t = &Trail{Path: path}
		m.trails[path] = t
	}
	t.apply(d, now, halfLife)
	return t.clone(), nil
}

func (m *MemoryBackend) Get(_ context.Context, path string) (Trail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trails[path]
	if !ok {
		return Trail{}, ErrTrailNotFound
	}
	return t.clone(), nil
}

func (m *MemoryBackend) List(_ context.Context) ([]Trail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trail, 0, len(m.trails))
	for _, t := range m.trails {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryBackend) Evaporate(_ context.Context, factor, floor float64, now time.Time, halfLife time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for path, t := range m.trails {
		s := t.StrengthAtTime(now, halfLife) * factor
		if s < floor {
			delete(m.trails, path)
			removed++
			continue
		}
		t.Strength = s
		t.StrengthAt = now
	}
	return removed, nil
}

func (m *MemoryBackend) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.trails, path)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Restore(_ context.Context, trails []Trail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range trails {
		c := t.clone()
		m.trails[t.Path] = &c
	}
	return nil
}
