package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Root is the source node of single-segment paths.
const Root = "*"

// RouterOptions weights the edge scoring function. Zero values take
// defaults; weights must be non-negative.
type RouterOptions struct {
	ReliabilityWeight float64
	LatencyWeight     float64
	CostWeight        float64
	// LatencyScale is the latency at which the latency term halves.
	LatencyScale   time.Duration
	PressureWeight float64
	PavedBonus     float64
	PruneCutoff    float64
	Desire         *DesirePaths
	Clock          clock.Clock
	Logger         *slog.Logger
}

func DefaultRouterOptions() RouterOptions {
	return RouterOptions{
		ReliabilityWeight: 0.5,
		LatencyWeight:     0.3,
		CostWeight:        0.2,
		LatencyScale:      100 * time.Millisecond,
		PressureWeight:    1,
		PavedBonus:        1.25,
		PruneCutoff:       0.05,
	}
}

func (o RouterOptions) withDefaults() RouterOptions {
	d := DefaultRouterOptions()
	if o.ReliabilityWeight == 0 && o.LatencyWeight == 0 && o.CostWeight == 0 {
		o.ReliabilityWeight, o.LatencyWeight, o.CostWeight = d.ReliabilityWeight, d.LatencyWeight, d.CostWeight
	}
	o.ReliabilityWeight = math.Max(o.ReliabilityWeight, 0)
	o.LatencyWeight = math.Max(o.LatencyWeight, 0)
	o.CostWeight = math.Max(o.CostWeight, 0)
	if o.LatencyScale <= 0 {
		o.LatencyScale = d.LatencyScale
	}
	if o.PressureWeight <= 0 {
		o.PressureWeight = d.PressureWeight
	}
	if o.PavedBonus < 1 {
		o.PavedBonus = d.PavedBonus
	}
	if o.PruneCutoff < 0 {
		o.PruneCutoff = 0
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "router")
	}
	return o
}

// EdgeFactors are the inputs of the scoring function.
type EdgeFactors struct {
	Reliability float64       `json:"reliability"`
	Latency     time.Duration `json:"latency"`
	Cost        float64       `json:"cost"`
	Load        float64       `json:"load"`
	Strength    float64       `json:"strength"`
	Paved       bool          `json:"paved"`
}

// Score combines the factors. It is non-decreasing in reliability and
// strength, non-increasing in latency, cost and load.
func (o RouterOptions) Score(f EdgeFactors) float64 {
	rel := math.Min(math.Max(f.Reliability, 0), 1)
	lat := 1 / (1 + math.Max(f.Latency.Seconds(), 0)/o.LatencyScale.Seconds())
	cost := 1 / (1 + math.Max(f.Cost, 0))

	base := o.ReliabilityWeight*rel + o.LatencyWeight*lat + o.CostWeight*cost
	pressure := 1 / (1 + o.PressureWeight*math.Max(f.Load, 0))
	boost := 1 + math.Log1p(math.Max(f.Strength, 0))

	score := base * pressure * boost
	if f.Paved {
		score *= o.PavedBonus
	}
	return score
}

// Edge is a scored hop between two nodes.
type Edge struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Paths []string `json:"paths"`
	EdgeFactors
	Score float64 `json:"score"`
}

// RouterStats exposes the factors behind the current topology.
type RouterStats struct {
	Nodes          int           `json:"nodes"`
	Edges          int           `json:"edges"`
	AvgLatency     time.Duration `json:"avg_latency"`
	AvgCost        float64       `json:"avg_cost"`
	AvgReliability float64       `json:"avg_reliability"`
	Pruned         int           `json:"pruned"`
	OptimizedAt    time.Time     `json:"optimized_at"`
}

// Router rebuilds a node/edge topology from pheromone trails and selects
// among candidate edges.
type Router struct {
	store *PheromoneStore
	opts  RouterOptions

	cmu   sync.RWMutex
	costs map[string]float64

	mu    sync.RWMutex
	edges map[string]map[string]*Edge
	stats RouterStats
}

func NewRouter(store *PheromoneStore, opts RouterOptions) *Router {
	return &Router{
		store: store,
		opts:  opts.withDefaults(),
		costs: make(map[string]float64),
		edges: make(map[string]map[string]*Edge),
	}
}

func edgeKey(from, to string) string { return from + "->" + to }

// SetCost sets the cost of the edge from -> to. Costs survive Optimize.
func (r *Router) SetCost(from, to string, cost float64) {
	r.cmu.Lock()
	r.costs[edgeKey(from, to)] = math.Max(cost, 0)
	r.cmu.Unlock()
}

func (r *Router) cost(from, to string) float64 {
	r.cmu.RLock()
	defer r.cmu.RUnlock()
	return r.costs[edgeKey(from, to)]
}

// Segments splits a path into its hops. A single-segment path hangs off Root.
func Segments(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 1 {
		return []string{Root, out[0]}
	}
	return out
}

type edgeAcc struct {
	from, to      string
	paths         []string
	success, fail uint64
	latencySum    float64
	latencyN      uint64
	load          float64
	strength      float64
	paved         bool
}

// Optimize rebuilds the topology from the current trails, scores every edge
// and prunes edges whose score falls below the cutoff.
func (r *Router) Optimize(ctx context.Context) (RouterStats, error) {
	trails, err := r.store.Trails(ctx)
	if err != nil {
		return RouterStats{}, fmt.Errorf("router optimize: %w", err)
	}

	accs := make(map[string]*edgeAcc)
	for _, t := range trails {
		paved := r.opts.Desire != nil && r.opts.Desire.Paved(t.Path)
		seg := Segments(t.Path)
		for i := 0; i+1 < len(seg); i++ {
			k := edgeKey(seg[i], seg[i+1])
			a, ok := accs[k]
			if !ok {
				a = &edgeAcc{from: seg[i], to: seg[i+1]}
				accs[k] = a
			}
			a.paths = append(a.paths, t.Path)
			a.success += t.SuccessCount
			a.fail += t.FailureCount
			a.latencySum += float64(t.AvgLatency) * float64(t.LatencyCount)
			a.latencyN += t.LatencyCount
			a.load = math.Max(a.load, t.CurrentLoad)
			a.strength += t.Strength
			a.paved = a.paved || paved
		}
	}

	edges := make(map[string]map[string]*Edge)
	nodes := make(map[string]struct{})
	var (
		pruned  int
		latSum  time.Duration
		costSum float64
		relSum  float64
		count   int
	)
	for _, a := range accs {
		f := EdgeFactors{
			Reliability: float64(a.success+1) / float64(a.success+a.fail+2),
			Cost:        r.cost(a.from, a.to),
			Load:        a.load,
			Strength:    a.strength,
			Paved:       a.paved,
		}
		if a.latencyN > 0 {
			f.Latency = time.Duration(a.latencySum / float64(a.latencyN))
		}
		e := &Edge{From: a.from, To: a.to, Paths: a.paths, EdgeFactors: f, Score: r.opts.Score(f)}
		if e.Score < r.opts.PruneCutoff {
			pruned++
			continue
		}
		sort.Strings(e.Paths)
		if edges[e.From] == nil {
			edges[e.From] = make(map[string]*Edge)
		}
		edges[e.From][e.To] = e
		nodes[e.From] = struct{}{}
		nodes[e.To] = struct{}{}

		count++
		latSum += f.Latency
		costSum += f.Cost
		relSum += f.Reliability
	}

	stats := RouterStats{
		Nodes:       len(nodes),
		Edges:       count,
		Pruned:      pruned,
		OptimizedAt: r.opts.Clock.Now(),
	}
	if count > 0 {
		stats.AvgLatency = latSum / time.Duration(count)
		stats.AvgCost = costSum / float64(count)
		stats.AvgReliability = relSum / float64(count)
	}

	r.mu.Lock()
	r.edges = edges
	r.stats = stats
	r.mu.Unlock()

	if pruned > 0 {
		r.opts.Logger.DebugContext(ctx, "pruned weak edges", "pruned", pruned, "edges", count)
	}
	return stats, nil
}

// Rank returns the known edges leaving from whose target is among
// candidates, best first. With no candidates every edge from the node is
// ranked.
func (r *Router) Rank(from string, candidates []string) []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Edge, 0, len(candidates))
	if len(candidates) == 0 {
		for _, e := range r.edges[from] {
			out = append(out, *e)
		}
	} else {
		for _, to := range candidates {
			if e, ok := r.edges[from][to]; ok {
				out = append(out, *e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].To < out[j].To
	})
	return out
}

// Select returns the best edge from among candidates.
func (r *Router) Select(from string, candidates []string) (Edge, bool) {
	ranked := r.Rank(from, candidates)
	if len(ranked) == 0 {
		return Edge{}, false
	}
	return ranked[0], true
}

// Edges returns every edge in the current topology.
func (r *Router) Edges() []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Edge
	for _, m := range r.edges {
		for _, e := range m {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Run re-optimises every interval until ctx is done.
func (r *Router) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := r.opts.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Optimize(ctx); err != nil {
				r.opts.Logger.ErrorContext(ctx, "router optimize failed", "error", err)
			}
		}
	}
}
