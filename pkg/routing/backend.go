package routing

import (
	"context"
	"time"
)

// Backend stores trails. Implementations must apply deposits atomically
// per path and serialise evaporation against deposits so that no deposit
// is lost.
type Backend interface {
	Deposit(ctx context.Context, path string, d Deposit, now time.Time, halfLife time.Duration) (Trail, error)
	Get(ctx context.Context, path string) (Trail, error)
	List(ctx context.Context) ([]Trail, error)
	// Evaporate decays every trail to now, multiplies it by factor and
	// removes trails that fall below floor. It returns the number removed.
	Evaporate(ctx context.Context, factor, floor float64, now time.Time, halfLife time.Duration) (int, error)
	Delete(ctx context.Context, path string) error
	Restore(ctx context.Context, trails []Trail) error
}
