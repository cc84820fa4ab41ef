//go:build property
// +build property

package routing_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/eventfabric/pkg/routing"
)

var origin = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// TestDecayNeverGrows verifies decay is bounded by the base and monotone in time.
// Property: 0 <= decay(t2) <= decay(t1) <= base for t1 <= t2
func TestDecayNeverGrows(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decay is bounded and non-increasing", prop.ForAll(
		func(base float64, h1, h2 int64) bool {
			if h1 > h2 {
				h1, h2 = h2, h1
			}
			t1 := origin.Add(time.Duration(h1) * time.Hour)
			t2 := origin.Add(time.Duration(h2) * time.Hour)
			d1 := routing.CalculateDecay(base, origin, t1, routing.DefaultHalfLife)
			d2 := routing.CalculateDecay(base, origin, t2, routing.DefaultHalfLife)
			return d2 >= 0 && d2 <= d1 && d1 <= base
		},
		gen.Float64Range(0, 1e6),
		gen.Int64Range(0, 24*365),
		gen.Int64Range(0, 24*365),
	))

	properties.TestingRun(t)
}

// TestTierMonotonic verifies a higher score never lands in a lower tier.
func TestTierMonotonic(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("tier is monotone in score", prop.ForAll(
		func(a, b float64) bool {
			if a > b {
				a, b = b, a
			}
			return routing.ClassifyTier(a) <= routing.ClassifyTier(b)
		},
		gen.Float64Range(0, 2000),
		gen.Float64Range(0, 2000),
	))

	properties.TestingRun(t)
}

// TestScoreMonotoneInReliability verifies the router prefers more reliable edges
// when every other factor is equal.
func TestScoreMonotoneInReliability(t *testing.T) {
	opts := routing.DefaultRouterOptions()
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("score grows with reliability", prop.ForAll(
		func(r1, r2, load, strength float64) bool {
			if r1 > r2 {
				r1, r2 = r2, r1
			}
			f := routing.EdgeFactors{Reliability: r1, Load: load, Strength: strength, Latency: 10 * time.Millisecond}
			lo := opts.Score(f)
			f.Reliability = r2
			return opts.Score(f) >= lo
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 1000),
	))

	properties.TestingRun(t)
}

// TestEvaporationNeverIncreasesStrength verifies a pass only weakens trails.
func TestEvaporationNeverIncreasesStrength(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("evaporation is non-increasing", prop.ForAll(
		func(amounts []float64, factor float64) bool {
			clk := clock.NewMock()
			clk.Set(origin)
			store := routing.NewPheromoneStore(nil, routing.StoreOptions{Clock: clk, EvaporationFactor: factor})
			ctx := context.Background()
			for _, a := range amounts {
				if _, err := store.Deposit(ctx, "p", routing.Deposit{Success: true, Strength: a}); err != nil {
					return false
				}
			}
			before, _ := store.Strength(ctx, "p")
			if _, err := store.Evaporate(ctx); err != nil {
				return false
			}
			after, _ := store.Strength(ctx, "p")
			return after <= before
		},
		gen.SliceOf(gen.Float64Range(0.01, 100)),
		gen.Float64Range(0.01, 1),
	))

	properties.TestingRun(t)
}
