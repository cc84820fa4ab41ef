package routing

import (
	"errors"
	"time"
)

var ErrTrailNotFound = errors.New("routing: trail not found")

// Signal types accumulated on a trail.
const (
	SignalSuccess = "success"
	SignalFailure = "failure"
	SignalReward  = "reward"
)

// Trail is the accumulated state of one path. Strength is the base value
// as of StrengthAt; readers decay it to the current time.
type Trail struct {
	Path         string             `json:"path"`
	Strength     float64            `json:"strength"`
	StrengthAt   time.Time          `json:"strength_at"`
	Signals      map[string]float64 `json:"signals,omitempty"`
	SuccessCount uint64             `json:"success_count"`
	FailureCount uint64             `json:"failure_count"`
	AvgLatency   time.Duration      `json:"avg_latency"`
	LatencyCount uint64             `json:"latency_count"`
	CurrentLoad  float64            `json:"current_load"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// StrengthAtTime returns the trail strength decayed to now.
func (t Trail) StrengthAtTime(now time.Time, halfLife time.Duration) float64 {
	return CalculateDecay(t.Strength, t.StrengthAt, now, halfLife)
}

// Reliability is the Laplace-smoothed success ratio, 0.5 for an unused path.
func (t Trail) Reliability() float64 {
	return float64(t.SuccessCount+1) / float64(t.SuccessCount+t.FailureCount+2)
}

func (t Trail) clone() Trail {
	if t.Signals != nil {
		sig := make(map[string]float64, len(t.Signals))
		for k, v := range t.Signals {
			sig[k] = v
		}
		t.Signals = sig
	}
	return t
}

// Deposit is one observation for a path. A zero Strength counts as 1.
type Deposit struct {
	Success   bool
	Strength  float64
	Latency   time.Duration
	Reward    float64
	LoadDelta float64
}

func (d Deposit) strength() float64 {
	if d.Strength <= 0 {
		return 1
	}
	return d.Strength
}

// apply folds d into t at now. Successful deposits and positive rewards add
// to the decayed strength; failures are recorded but never reinforce.
func (t *Trail) apply(d Deposit, now time.Time, halfLife time.Duration) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.Signals == nil {
		t.Signals = make(map[string]float64, 3)
	}

	gain := 0.0
	amount := d.strength()
	if d.Success {
		t.SuccessCount++
		t.Signals[SignalSuccess] += amount
		gain = amount
	} else {
		t.FailureCount++
		t.Signals[SignalFailure] += amount
	}
	if d.Reward != 0 {
		t.Signals[SignalReward] += d.Reward
		if d.Reward > 0 {
			gain += d.Reward
		}
	}

	if d.Latency > 0 {
		t.LatencyCount++
		t.AvgLatency += (d.Latency - t.AvgLatency) / time.Duration(t.LatencyCount)
	}

	t.CurrentLoad += d.LoadDelta
	if t.CurrentLoad < 0 {
		t.CurrentLoad = 0
	}

	t.Strength = t.StrengthAtTime(now, halfLife) + gain
	t.StrengthAt = now
	t.UpdatedAt = now
}
