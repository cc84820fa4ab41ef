package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultEvaporationFactor = 0.9
	DefaultEvaporationFloor  = 0.1
	DefaultMaxSamplesPerKey  = 512
)

// StoreOptions configures a PheromoneStore. Zero values take defaults.
type StoreOptions struct {
	HalfLife          time.Duration
	EvaporationFactor float64
	EvaporationFloor  float64
	MaxSamplesPerKey  int
	Clock             clock.Clock
	Logger            *slog.Logger
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.HalfLife <= 0 {
		o.HalfLife = DefaultHalfLife
	}
	if o.EvaporationFactor <= 0 || o.EvaporationFactor > 1 {
		o.EvaporationFactor = DefaultEvaporationFactor
	}
	if o.EvaporationFloor <= 0 {
		o.EvaporationFloor = DefaultEvaporationFloor
	}
	if o.MaxSamplesPerKey <= 0 {
		o.MaxSamplesPerKey = DefaultMaxSamplesPerKey
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "pheromone")
	}
	return o
}

// PathScore is a path with its strength decayed to the time of the query.
type PathScore struct {
	Path     string  `json:"path"`
	Strength float64 `json:"strength"`
	Tier     string  `json:"tier"`
}

// PheromoneStore scores paths from decaying deposits. Strength is always
// reported relative to the current clock time.
type PheromoneStore struct {
	backend Backend
	opts    StoreOptions

	smu     sync.Mutex
	samples map[string]*sampleWindow
}

// NewPheromoneStore wraps backend. A nil backend uses process memory.
func NewPheromoneStore(backend Backend, opts StoreOptions) *PheromoneStore {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &PheromoneStore{
		backend: backend,
		opts:    opts.withDefaults(),
		samples: make(map[string]*sampleWindow),
	}
}

func (s *PheromoneStore) HalfLife() time.Duration { return s.opts.HalfLife }

func (s *PheromoneStore) Now() time.Time { return s.opts.Clock.Now() }

// Deposit records one observation for path and returns the updated trail.
func (s *PheromoneStore) Deposit(ctx context.Context, path string, d Deposit) (Trail, error) {
	if path == "" {
		return Trail{}, errors.New("routing: empty path")
	}
	t, err := s.backend.Deposit(ctx, path, d, s.opts.Clock.Now(), s.opts.HalfLife)
	if err != nil {
		return Trail{}, fmt.Errorf("deposit on %s: %w", path, err)
	}
	if d.Latency > 0 {
		s.window(path).add(d.Latency)
	}
	return t, nil
}

func (s *PheromoneStore) window(path string) *sampleWindow {
	s.smu.Lock()
	defer s.smu.Unlock()
	w, ok := s.samples[path]
	if !ok {
		w = newSampleWindow(s.opts.MaxSamplesPerKey)
		s.samples[path] = w
	}
	return w
}

// Strength returns the decayed strength of path, zero for unknown paths.
func (s *PheromoneStore) Strength(ctx context.Context, path string) (float64, error) {
	t, err := s.backend.Get(ctx, path)
	if errors.Is(err, ErrTrailNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return t.StrengthAtTime(s.opts.Clock.Now(), s.opts.HalfLife), nil
}

// Trail returns the stored trail for path.
func (s *PheromoneStore) Trail(ctx context.Context, path string) (Trail, error) {
	return s.backend.Get(ctx, path)
}

// Trails returns every trail with Strength decayed to now.
func (s *PheromoneStore) Trails(ctx context.Context) ([]Trail, error) {
	trails, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.opts.Clock.Now()
	for i := range trails {
		trails[i].Strength = trails[i].StrengthAtTime(now, s.opts.HalfLife)
		trails[i].StrengthAt = now
	}
	return trails, nil
}

// TopPaths returns up to limit paths ordered by decayed strength, strongest
// first. A non-positive limit returns every path.
func (s *PheromoneStore) TopPaths(ctx context.Context, limit int) ([]PathScore, error) {
	trails, err := s.Trails(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PathScore, 0, len(trails))
	for _, t := range trails {
		out = append(out, PathScore{Path: t.Path, Strength: t.Strength, Tier: ClassifyTier(t.Strength).String()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Path < out[j].Path
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Evaporate runs one evaporation pass and returns the number of trails
// removed for falling below the floor.
func (s *PheromoneStore) Evaporate(ctx context.Context) (int, error) {
	removed, err := s.backend.Evaporate(ctx, s.opts.EvaporationFactor, s.opts.EvaporationFloor, s.opts.Clock.Now(), s.opts.HalfLife)
	if err != nil {
		return 0, fmt.Errorf("evaporate: %w", err)
	}
	if removed > 0 {
		s.pruneSamples(ctx)
	}
	return removed, nil
}

// pruneSamples drops latency windows whose trail no longer exists.
func (s *PheromoneStore) pruneSamples(ctx context.Context) {
	trails, err := s.backend.List(ctx)
	if err != nil {
		return
	}
	live := make(map[string]struct{}, len(trails))
	for _, t := range trails {
		live[t.Path] = struct{}{}
	}
	s.smu.Lock()
	for p := range s.samples {
		if _, ok := live[p]; !ok {
			delete(s.samples, p)
		}
	}
	s.smu.Unlock()
}

// Run evaporates every interval until ctx is done.
func (s *PheromoneStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := s.opts.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Evaporate(ctx)
			if err != nil {
				s.opts.Logger.ErrorContext(ctx, "evaporation failed", "error", err)
				continue
			}
			if removed > 0 {
				s.opts.Logger.DebugContext(ctx, "evaporated trails", "removed", removed)
			}
		}
	}
}

// LatencyPercentile returns the q-th latency quantile (0..1) over the most
// recent samples for path, zero when nothing was recorded.
func (s *PheromoneStore) LatencyPercentile(path string, q float64) time.Duration {
	s.smu.Lock()
	w, ok := s.samples[path]
	s.smu.Unlock()
	if !ok {
		return 0
	}
	return w.percentile(q)
}

// SampleCount returns how many latency samples are held for path.
func (s *PheromoneStore) SampleCount(path string) int {
	s.smu.Lock()
	w, ok := s.samples[path]
	s.smu.Unlock()
	if !ok {
		return 0
	}
	return w.len()
}

// Forget removes a path and its samples.
func (s *PheromoneStore) Forget(ctx context.Context, path string) error {
	s.smu.Lock()
	delete(s.samples, path)
	s.smu.Unlock()
	return s.backend.Delete(ctx, path)
}

// Restore loads previously saved trails, replacing trails with the same path.
func (s *PheromoneStore) Restore(ctx context.Context, trails []Trail) error {
	return s.backend.Restore(ctx, trails)
}
