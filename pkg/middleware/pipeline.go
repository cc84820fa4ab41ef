// Package middleware implements the ordered interceptor chain that every
// envelope passes through before it reaches subscribers.
//
// A middleware returns an explicit Decision. The first Drop stops the chain;
// a panic inside a middleware is treated as a drop so the dispatch loop keeps
// running.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
)

// Decision is the verdict of a single middleware.
type Decision struct {
	Dropped bool
	Reason  string
}

func Pass() Decision { return Decision{} }

func Drop(reason string) Decision { return Decision{Dropped: true, Reason: reason} }

// Middleware inspects an envelope and decides whether it continues.
type Middleware interface {
	Name() string
	Handle(ctx context.Context, env *envelope.Envelope) Decision
}

type funcMiddleware struct {
	name string
	fn   func(context.Context, *envelope.Envelope) Decision
}

func (f funcMiddleware) Name() string { return f.name }

func (f funcMiddleware) Handle(ctx context.Context, env *envelope.Envelope) Decision {
	return f.fn(ctx, env)
}

// Func adapts a plain function to Middleware.
func Func(name string, fn func(context.Context, *envelope.Envelope) Decision) Middleware {
	return funcMiddleware{name: name, fn: fn}
}

// Outcome is the result of running the pipeline. Middleware names the stage
// that dropped the envelope; it is empty when the envelope passed.
type Outcome struct {
	Decision
	Middleware string
}

// Pipeline is an append-only, copy-on-write list of middleware. Use may be
// called while Run is executing on other goroutines.
type Pipeline struct {
	chain  atomic.Pointer[[]Middleware]
	logger *slog.Logger
}

func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default().With("component", "middleware")
	}
	p := &Pipeline{logger: logger}
	empty := []Middleware{}
	p.chain.Store(&empty)
	return p
}

// Use appends mw to the end of the chain.
func (p *Pipeline) Use(mw Middleware) {
	if mw == nil {
		return
	}
	for {
		old := p.chain.Load()
		next := make([]Middleware, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, mw)
		if p.chain.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Len returns the number of registered middleware.
func (p *Pipeline) Len() int { return len(*p.chain.Load()) }

// Names lists the registered middleware in order.
func (p *Pipeline) Names() []string {
	chain := *p.chain.Load()
	out := make([]string, len(chain))
	for i, mw := range chain {
		out[i] = mw.Name()
	}
	return out
}

// Run passes env through the chain in registration order.
func (p *Pipeline) Run(ctx context.Context, env *envelope.Envelope) Outcome {
	for _, mw := range *p.chain.Load() {
		d := p.invoke(ctx, mw, env)
		if d.Dropped {
			p.logger.InfoContext(ctx, "envelope dropped",
				"channel", env.Channel(),
				"envelope_id", env.ID(),
				"middleware", mw.Name(),
				"reason", d.Reason,
			)
			return Outcome{Decision: d, Middleware: mw.Name()}
		}
	}
	return Outcome{Decision: Pass()}
}

func (p *Pipeline) invoke(ctx context.Context, mw Middleware, env *envelope.Envelope) (d Decision) {
	var catcher panics.Catcher
	catcher.Try(func() { d = mw.Handle(ctx, env) })
	if r := catcher.Recovered(); r != nil {
		return Drop(fmt.Sprintf("panic: %v", r.Value))
	}
	return d
}
