// Package routing scores candidate paths from decaying success, failure and
// latency signals ("pheromone trails"), promotes heavily used paths
// ("desire paths") and picks among candidate edges with a path router.
package routing

import (
	"math"
	"time"
)

const (
	DefaultHalfLife    = 24 * time.Hour
	ReputationHalfLife = 30 * 24 * time.Hour
)

// CalculateDecay returns base decayed exponentially from depositedAt to now
// with the given half-life. It never returns a negative value, and returns
// base unchanged for non-positive elapsed time or half-life.
func CalculateDecay(base float64, depositedAt, now time.Time, halfLife time.Duration) float64 {
	if base <= 0 || math.IsNaN(base) {
		return 0
	}
	dt := now.Sub(depositedAt)
	if dt <= 0 || halfLife <= 0 {
		return base
	}
	lambda := math.Ln2 / halfLife.Seconds()
	return base * math.Exp(-lambda*dt.Seconds())
}

// Signal is a single scored observation.
type Signal struct {
	Type     string    `json:"type"`
	Strength float64   `json:"strength"`
	At       time.Time `json:"at"`
}

// ComputeAggregateScore sums every signal decayed to now. Scores are always
// computed at query time and never cached.
func ComputeAggregateScore(signals []Signal, now time.Time, halfLife time.Duration) float64 {
	var total float64
	for _, s := range signals {
		total += CalculateDecay(s.Strength, s.At, now, halfLife)
	}
	return total
}

// Tier classifies an aggregate score.
type Tier int

const (
	TierBaseline Tier = iota
	TierLow
	TierMid
	TierHigh
	TierTop
)

// Lower bounds of each tier, inclusive.
const (
	TierLowMin  = 10
	TierMidMin  = 50
	TierHighMin = 200
	TierTopMin  = 800
)

func ClassifyTier(score float64) Tier {
	switch {
	case score >= TierTopMin:
		return TierTop
	case score >= TierHighMin:
		return TierHigh
	case score >= TierMidMin:
		return TierMid
	case score >= TierLowMin:
		return TierLow
	default:
		return TierBaseline
	}
}

func (t Tier) String() string {
	switch t {
	case TierTop:
		return "top"
	case TierHigh:
		return "high"
	case TierMid:
		return "mid"
	case TierLow:
		return "low"
	default:
		return "baseline"
	}
}
