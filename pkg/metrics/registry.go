// Package metrics counts route outcomes per channel ("fiber") and outcome
// type. Counters only grow until Reset; there is no decay.
package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome types written by the bus.
const (
	TypeDelivered   = "delivered"
	TypeFailed      = "failed"
	TypeCircuitOpen = "circuit_open"
	TypeDropped     = "dropped"
	TypeShed        = "shed"
	TypeEvicted     = "evicted"
	TypeOverflow    = "overflow"
)

// RouteStat is the counter for a single fiber:type key.
type RouteStat struct {
	Fiber string `json:"fiber"`
	Type  string `json:"type"`
	Count uint64 `json:"count"`
}

type routeKey struct {
	fiber, typ string
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// String renders "fiber:type" with backslash and colon escaped in the
// fiber, so distinct keys never render the same.
func (k routeKey) String() string { return keyEscaper.Replace(k.fiber) + ":" + k.typ }

// Registry holds route counters. It is safe for concurrent use and
// implements prometheus.Collector.
type Registry struct {
	mu     sync.RWMutex
	counts map[routeKey]uint64

	desc *prometheus.Desc
}

var _ prometheus.Collector = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		counts: make(map[routeKey]uint64),
		desc: prometheus.NewDesc(
			"eventfabric_route_events_total",
			"Route outcomes observed by the event fabric, by channel and outcome type.",
			[]string{"fiber", "type"}, nil,
		),
	}
}

func (r *Registry) IncrementRouteCount(fiber, typ string) {
	r.Add(fiber, typ, 1)
}

// Add increments a counter by n.
func (r *Registry) Add(fiber, typ string, n uint64) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.counts[routeKey{fiber, typ}] += n
	r.mu.Unlock()
}

func (r *Registry) RouteCount(fiber, typ string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[routeKey{fiber, typ}]
}

// Total sums a type across every fiber.
func (r *Registry) Total(typ string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n uint64
	for k, v := range r.counts {
		if k.typ == typ {
			n += v
		}
	}
	return n
}

// RouteStats returns a snapshot keyed by "fiber:type". Colons and
// backslashes in the fiber are backslash-escaped.
func (r *Registry) RouteStats() map[string]RouteStat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]RouteStat, len(r.counts))
	for k, v := range r.counts {
		out[k.String()] = RouteStat{Fiber: k.fiber, Type: k.typ, Count: v}
	}
	return out
}

// SortedStats returns the snapshot ordered by key.
func (r *Registry) SortedStats() []RouteStat {
	stats := r.RouteStats()
	out := make([]RouteStat, 0, len(stats))
	for _, s := range stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := strings.Compare(out[i].Fiber, out[j].Fiber); c != 0 {
			return c < 0
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Reset clears every counter. Scrapers see the exported counters drop to
// zero, which Prometheus handles as a counter reset.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.counts = make(map[routeKey]uint64)
	r.mu.Unlock()
}

func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.desc
}

func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, s := range r.SortedStats() {
		ch <- prometheus.MustNewConstMetric(r.desc, prometheus.CounterValue, float64(s.Count), s.Fiber, s.Type)
	}
}
