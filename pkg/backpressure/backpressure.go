// Package backpressure decides which envelopes are shed under load.
//
// Pressure ("metabolic pressure") is a scalar 0..100. Shedding is a
// deliberate lossy policy: critical and high priority traffic always gets
// through, normal and low traffic is discarded while pressure stays high.
package backpressure

import (
	"sync"

	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
)

const DefaultLevel = 70

// Controller is a pure shedding policy.
type Controller interface {
	ShouldShed(p envelope.Priority, pressure int) bool
}

// Threshold sheds normal and low priority envelopes once pressure reaches
// Level.
type Threshold struct {
	Level int
}

func (t Threshold) ShouldShed(p envelope.Priority, pressure int) bool {
	level := t.Level
	if level <= 0 {
		level = DefaultLevel
	}
	if p == envelope.Critical || p == envelope.High {
		return false
	}
	return ClampPressure(pressure) >= level
}

// ControllerFunc adapts a function to Controller.
type ControllerFunc func(p envelope.Priority, pressure int) bool

func (f ControllerFunc) ShouldShed(p envelope.Priority, pressure int) bool { return f(p, pressure) }

// ClampPressure bounds a pressure score to 0..100.
func ClampPressure(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// Estimator derives pressure from queue utilisation and delivery failure
// ratio with an exponentially weighted moving average.
type Estimator struct {
	mu    sync.Mutex
	alpha float64
	value float64
	init  bool
}

// NewEstimator returns an estimator with smoothing factor alpha in (0, 1].
// Out-of-range values fall back to 0.3.
func NewEstimator(alpha float64) *Estimator {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &Estimator{alpha: alpha}
}

// Observe folds one sample into the estimate and returns the new pressure.
// utilisation and failureRatio are fractions in 0..1; the queue term
// dominates and failures add up to a third on top.
func (e *Estimator) Observe(utilisation, failureRatio float64) int {
	sample := 100 * (clampUnit(utilisation) + clampUnit(failureRatio)/3)
	if sample > 100 {
		sample = 100
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.init {
		e.value = sample
		e.init = true
	} else {
		e.value = e.alpha*sample + (1-e.alpha)*e.value
	}
	return ClampPressure(int(e.value + 0.5))
}

// Pressure returns the current estimate.
func (e *Estimator) Pressure() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ClampPressure(int(e.value + 0.5))
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
