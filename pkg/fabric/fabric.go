// Package fabric assembles a running event fabric from configuration: the
// priority bus, its middleware pipeline, per-subscriber breakers, the
// pheromone trail and reputation stores, desire paths and the path router.
//
// Delivery outcomes reported by the bus are folded back into the trail
// store under "channel/subscriber" and counted as desire-path hits, so the
// router always reflects the traffic the bus actually carried.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc"

	"github.com/Mindburn-Labs/eventfabric/pkg/backpressure"
	"github.com/Mindburn-Labs/eventfabric/pkg/bus"
	"github.com/Mindburn-Labs/eventfabric/pkg/config"
	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
	"github.com/Mindburn-Labs/eventfabric/pkg/metrics"
	"github.com/Mindburn-Labs/eventfabric/pkg/middleware"
	"github.com/Mindburn-Labs/eventfabric/pkg/resiliency"
	"github.com/Mindburn-Labs/eventfabric/pkg/routing"
)

const (
	// ChannelPaved carries one event per newly paved desire path.
	ChannelPaved = "fabric.path.paved"
	// SourceFabric marks envelopes the fabric publishes itself.
	SourceFabric = "fabric"

	reputationPrefix = "source/"
)

// PavedEvent is the payload published on ChannelPaved.
type PavedEvent struct {
	Path       string        `json:"path"`
	Hits       uint64        `json:"hits"`
	AvgLatency time.Duration `json:"avg_latency"`
	PavedAt    time.Time     `json:"paved_at"`
}

// Option configures a Fabric.
type Option func(*Fabric)

func WithClock(c clock.Clock) Option { return func(f *Fabric) { f.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(f *Fabric) { f.logger = l } }

// WithTelemetry forwards bus signals to t, usually an observability.Provider.
func WithTelemetry(t bus.Telemetry) Option { return func(f *Fabric) { f.telemetry = t } }

// WithBackend overrides the trail backend selected by configuration.
func WithBackend(b routing.Backend) Option { return func(f *Fabric) { f.backend = b } }

// Fabric owns every component and the background loops that keep trails,
// routes and pressure current.
type Fabric struct {
	cfg       *config.Config
	clock     clock.Clock
	logger    *slog.Logger
	telemetry bus.Telemetry
	backend   routing.Backend

	metrics    *metrics.Registry
	pipeline   *middleware.Pipeline
	bus        *bus.Bus
	trails     *routing.PheromoneStore
	reputation *routing.PheromoneStore
	desire     *routing.DesirePaths
	router     *routing.Router
	estimator  *backpressure.Estimator

	closers []func() error

	mu      sync.Mutex
	cancel  context.CancelFunc
	loops   conc.WaitGroup
	stopped bool

	// totals seen by the previous pressure sample
	lastOK, lastFailed uint64
}

// New builds a fabric from cfg. A nil cfg uses config.Default.
func New(cfg *config.Config, opts ...Option) (*Fabric, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	f := &Fabric{cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	if f.clock == nil {
		f.clock = clock.New()
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}

	f.metrics = metrics.NewRegistry()
	f.estimator = backpressure.NewEstimator(cfg.Bus.PressureAlpha)

	if err := f.buildStores(); err != nil {
		return nil, err
	}
	if err := f.buildPipeline(); err != nil {
		_ = f.close()
		return nil, err
	}

	busOpts := []bus.Option{
		bus.WithClock(f.clock),
		bus.WithLogger(f.logger.With("component", "bus")),
		bus.WithMetrics(f.metrics),
		bus.WithController(backpressure.Threshold{Level: cfg.Bus.ShedLevel}),
		bus.WithReporter(f),
		bus.WithPipeline(f.pipeline),
		bus.WithBreakerOptions(resiliency.Options{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		}),
	}
	if f.telemetry != nil {
		busOpts = append(busOpts, bus.WithTelemetry(f.telemetry))
	}
	f.bus = bus.New(bus.Config{
		TickInterval:     cfg.Bus.TickInterval,
		BatchSize:        cfg.Bus.BatchSize,
		TickBudget:       cfg.Bus.TickBudget,
		FairnessEvery:    cfg.Bus.FairnessEvery,
		QueueCapacity:    cfg.Bus.QueueCapacity,
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
	}, busOpts...)

	return f, nil
}

func (f *Fabric) buildStores() error {
	p := f.cfg.Pheromone

	backend := f.backend
	if backend == nil {
		switch p.Backend {
		case "", "memory":
			backend = routing.NewMemoryBackend()
		case "redis":
			rb := routing.NewRedisBackendFromAddr(p.Redis.Addr, p.Redis.Password, p.Redis.DB, p.Redis.Prefix)
			f.closers = append(f.closers, rb.Close)
			backend = rb
		default:
			return fmt.Errorf("fabric: unknown pheromone backend %q", p.Backend)
		}
	}

	f.trails = routing.NewPheromoneStore(backend, routing.StoreOptions{
		HalfLife:          p.HalfLife,
		EvaporationFactor: p.EvaporationFactor,
		EvaporationFloor:  p.EvaporationFloor,
		MaxSamplesPerKey:  p.MaxSamplesPerKey,
		Clock:             f.clock,
		Logger:            f.logger.With("component", "pheromone"),
	})

	// Reputation is written from the dispatch loop and stays in memory.
	halfLife := p.ReputationHalfLife
	if halfLife <= 0 {
		halfLife = routing.ReputationHalfLife
	}
	f.reputation = routing.NewPheromoneStore(routing.NewMemoryBackend(), routing.StoreOptions{
		HalfLife:          halfLife,
		EvaporationFactor: p.EvaporationFactor,
		EvaporationFloor:  p.EvaporationFloor,
		MaxSamplesPerKey:  p.MaxSamplesPerKey,
		Clock:             f.clock,
		Logger:            f.logger.With("component", "reputation"),
	})

	f.desire = routing.NewDesirePaths(f.cfg.Desire.PaveThreshold,
		routing.WithDesireClock(f.clock),
		routing.OnPaved(f.publishPaved),
	)

	r := f.cfg.Router
	f.router = routing.NewRouter(f.trails, routing.RouterOptions{
		ReliabilityWeight: r.ReliabilityWeight,
		LatencyWeight:     r.LatencyWeight,
		CostWeight:        r.CostWeight,
		LatencyScale:      r.LatencyScale,
		PressureWeight:    r.PressureWeight,
		PavedBonus:        r.PavedBonus,
		PruneCutoff:       r.PruneCutoff,
		Desire:            f.desire,
		Clock:             f.clock,
		Logger:            f.logger.With("component", "router"),
	})
	return nil
}

// buildPipeline installs the configured built-ins in a fixed order:
// quarantine, rate limit, filters, schemas, fingerprint, then the
// reputation recorder.
func (f *Fabric) buildPipeline() error {
	f.pipeline = middleware.NewPipeline(f.logger.With("component", "pipeline"))

	if q := f.cfg.Quarantine; q.Enabled {
		qc := middleware.QuarantineConfig{
			CriticalChannels: q.CriticalChannels,
			UntrustedSources: q.UntrustedSources,
		}
		if q.JWTKey != "" {
			qc.Verifier = middleware.NewJWTVerifier([]byte(q.JWTKey), q.JWTIssuer, f.clock)
		}
		f.pipeline.Use(middleware.Quarantine(qc))
	}

	if rl := f.cfg.RateLimit; rl.Enabled {
		f.pipeline.Use(middleware.RateLimit(rl.RPS, rl.Burst, f.clock))
	}

	for _, fc := range f.cfg.Filters {
		filter, err := middleware.NewCELFilter(fc.Name, fc.Expr)
		if err != nil {
			return fmt.Errorf("fabric: %w", err)
		}
		f.pipeline.Use(filter)
	}

	if len(f.cfg.Schemas) > 0 {
		guard := middleware.NewSchemaGuard()
		for channel, file := range f.cfg.Schemas {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("fabric: read schema for %s: %w", channel, err)
			}
			if err := guard.Register(channel, string(raw)); err != nil {
				return fmt.Errorf("fabric: %w", err)
			}
		}
		f.pipeline.Use(guard)
	}

	if f.cfg.Fingerprint {
		f.pipeline.Use(middleware.Fingerprint())
	}

	f.pipeline.Use(middleware.Func("reputation", func(ctx context.Context, env *envelope.Envelope) middleware.Decision {
		f.depositReputation(ctx, env.Source(), true)
		return middleware.Pass()
	}))
	return nil
}

func (f *Fabric) Config() *config.Config              { return f.cfg }
func (f *Fabric) Bus() *bus.Bus                       { return f.bus }
func (f *Fabric) Metrics() *metrics.Registry          { return f.metrics }
func (f *Fabric) Pipeline() *middleware.Pipeline      { return f.pipeline }
func (f *Fabric) Trails() *routing.PheromoneStore     { return f.trails }
func (f *Fabric) Reputation() *routing.PheromoneStore { return f.reputation }
func (f *Fabric) Desire() *routing.DesirePaths        { return f.desire }
func (f *Fabric) Router() *routing.Router             { return f.router }
func (f *Fabric) Breakers() *resiliency.Registry      { return f.bus.Breakers() }
func (f *Fabric) Estimator() *backpressure.Estimator  { return f.estimator }

// Publish enqueues env on channel. See bus.Bus.Publish.
func (f *Fabric) Publish(channel string, env *envelope.Envelope, p envelope.Priority) (string, bool) {
	return f.bus.Publish(channel, env, p)
}

// Subscribe registers handler on channel. See bus.Bus.Subscribe.
func (f *Fabric) Subscribe(channel string, h bus.Handler, opts ...bus.SubscribeOption) func() {
	return f.bus.Subscribe(channel, h, opts...)
}

// Start runs the bus loop, evaporation of both stores, router optimisation
// and, when enabled, the auto-pressure loop.
func (f *Fabric) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return bus.ErrClosed
	}
	if f.cancel != nil {
		return bus.ErrAlreadyStarted
	}

	if err := f.bus.Start(ctx); err != nil {
		return err
	}
	ctx, f.cancel = context.WithCancel(ctx)

	p := f.cfg.Pheromone
	f.loops.Go(func() { f.trails.Run(ctx, p.EvaporationInterval) })
	f.loops.Go(func() { f.reputation.Run(ctx, p.EvaporationInterval) })
	f.loops.Go(func() { f.router.Run(ctx, f.cfg.Router.OptimizeInterval) })
	if f.cfg.Bus.AutoPressure {
		f.loops.Go(func() { f.runPressure(ctx, f.cfg.Bus.PressureInterval) })
	}

	f.logger.InfoContext(ctx, "fabric started",
		"backend", p.Backend,
		"pipeline", f.pipeline.Names(),
		"auto_pressure", f.cfg.Bus.AutoPressure,
	)
	return nil
}

// Stop halts every loop, stops the bus and closes backends. It is
// idempotent.
func (f *Fabric) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	cancel := f.cancel
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.loops.Wait()
	f.bus.Stop()
	return f.close()
}

func (f *Fabric) close() error {
	var errs []error
	for _, c := range f.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	f.closers = nil
	return errors.Join(errs...)
}

func (f *Fabric) runPressure(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := f.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.SamplePressure()
		}
	}
}

// SamplePressure feeds queue utilisation and the failure ratio since the
// previous sample into the estimator and applies the result to the bus.
func (f *Fabric) SamplePressure() int {
	ok := f.metrics.Total(metrics.TypeDelivered)
	failed := f.metrics.Total(metrics.TypeFailed) +
		f.metrics.Total(metrics.TypeCircuitOpen) +
		f.metrics.Total(metrics.TypeOverflow)

	f.mu.Lock()
	dOK, dFailed := ok-f.lastOK, failed-f.lastFailed
	f.lastOK, f.lastFailed = ok, failed
	f.mu.Unlock()

	var ratio float64
	if n := dOK + dFailed; n > 0 {
		ratio = float64(dFailed) / float64(n)
	}
	score := f.estimator.Observe(f.bus.Utilisation(), ratio)
	f.bus.SetPressure(score)
	return score
}

// ReportDelivery implements bus.Reporter.
func (f *Fabric) ReportDelivery(ctx context.Context, d bus.Delivery) {
	path := d.Envelope.Channel() + "/" + d.Subscriber
	delivered := d.Outcome == metrics.TypeDelivered

	dep := routing.Deposit{Success: delivered}
	if d.Outcome != metrics.TypeOverflow && d.Outcome != metrics.TypeCircuitOpen {
		dep.Latency = d.Latency
	}
	if _, err := f.trails.Deposit(ctx, path, dep); err != nil {
		f.logger.WarnContext(ctx, "trail deposit failed", "path", path, "error", err)
	}
	if delivered {
		f.desire.Record(path, d.Latency)
	}
}

// ReportDrop implements bus.Reporter.
func (f *Fabric) ReportDrop(ctx context.Context, env *envelope.Envelope, out middleware.Outcome) {
	f.logger.DebugContext(ctx, "envelope dropped",
		"channel", env.Channel(), "envelope_id", env.ID(),
		"middleware", out.Middleware, "reason", out.Reason)
	f.depositReputation(ctx, env.Source(), false)
}

func (f *Fabric) depositReputation(ctx context.Context, source string, ok bool) {
	if source == "" {
		return
	}
	path := reputationPrefix + source
	if _, err := f.reputation.Deposit(ctx, path, routing.Deposit{Success: ok}); err != nil {
		f.logger.WarnContext(ctx, "reputation deposit failed", "source", source, "error", err)
	}
}

// SourceReputation returns the decayed reputation strength of source.
func (f *Fabric) SourceReputation(ctx context.Context, source string) (float64, error) {
	return f.reputation.Strength(ctx, reputationPrefix+source)
}

func (f *Fabric) publishPaved(st routing.DesireStat) {
	ev := PavedEvent{Path: st.Path, Hits: st.Hits, AvgLatency: st.AvgLatency, PavedAt: st.PavedAt}
	env := envelope.New(ev,
		envelope.WithSource(SourceFabric),
		envelope.WithMeta(envelope.MetaIsSystem, "true"),
	)
	id, queued := f.bus.Publish(ChannelPaved, env, envelope.Normal)
	f.logger.Info("desire path paved", "path", st.Path, "hits", st.Hits, "envelope_id", id, "queued", queued)
}
