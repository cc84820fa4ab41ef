package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
)

const (
	visitorTTL    = 3 * time.Minute
	sweepInterval = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per envelope source. Envelopes without
// a source share the "anonymous" bucket.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rps       rate.Limit
	burst     int
	clock     clock.Clock
	lastSweep time.Time
}

// RateLimit returns a per-source rate limiter allowing rps events per second
// with the given burst.
func RateLimit(rps float64, burst int, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors:  make(map[string]*visitor),
		rps:       rate.Limit(rps),
		burst:     burst,
		clock:     clk,
		lastSweep: clk.Now(),
	}
}

func (rl *RateLimiter) Name() string { return "ratelimit" }

func (rl *RateLimiter) Handle(_ context.Context, env *envelope.Envelope) Decision {
	src := env.Source()
	if src == "" {
		src = "anonymous"
	}
	now := rl.clock.Now()
	if !rl.limiter(src, now).AllowN(now, 1) {
		return Drop("rate limit exceeded for " + src)
	}
	return Pass()
}

func (rl *RateLimiter) limiter(src string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= sweepInterval {
		rl.sweepLocked(now)
	}

	v, ok := rl.visitors[src]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[src] = v
	}
	v.lastSeen = now
	return v.limiter
}

// sweepLocked removes visitors idle for longer than visitorTTL.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	for src, v := range rl.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(rl.visitors, src)
		}
	}
	rl.lastSweep = now
}

// Visitors returns the number of tracked sources.
func (rl *RateLimiter) Visitors() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}
