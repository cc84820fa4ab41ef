// Package bus implements the priority bus at the centre of the event fabric.
//
// Publishers enqueue envelopes on one of four priority queues without
// blocking. A scheduling loop drains the queues on every tick in priority
// order, runs the middleware pipeline and fans each surviving envelope out to
// the channel's subscribers. Every subscriber owns a goroutine and an inbox,
// and every delivery runs through that subscriber's circuit breaker, so one
// slow or failing consumer never holds up another.
//
// Ordering is tick-granularity priority: within a level delivery is FIFO,
// across levels higher priority goes first except for the fairness slots
// reserved every FairnessEvery ticks.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Mindburn-Labs/eventfabric/pkg/backpressure"
	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
	"github.com/Mindburn-Labs/eventfabric/pkg/metrics"
	"github.com/Mindburn-Labs/eventfabric/pkg/middleware"
	"github.com/Mindburn-Labs/eventfabric/pkg/resiliency"
)

// Wildcard subscribes to every channel. Wildcard subscribers are served
// after the channel's own subscribers.
const Wildcard = "*"

var (
	ErrClosed         = errors.New("bus: closed")
	ErrAlreadyStarted = errors.New("bus: already started")
)

// Handler consumes one envelope. A returned error or a panic counts as a
// failed delivery against the subscriber's breaker.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Telemetry receives delivery level signals. observability.Provider
// implements it.
//
// StartDelivery wraps a single handler call. The handler runs with the
// returned context and finish is called once with the outcome.
type Telemetry interface {
	StartDelivery(ctx context.Context, env *envelope.Envelope, subscriber string) (context.Context, func(outcome string, err error))
	RecordDelivery(ctx context.Context, channel, outcome string, d time.Duration)
	RecordShed(ctx context.Context, channel string, p envelope.Priority)
	RecordBreakerTransition(ctx context.Context, name string, from, to resiliency.State)
}

// Delivery describes the result of handing one envelope to one subscriber.
type Delivery struct {
	Envelope   *envelope.Envelope
	Subscriber string
	Outcome    string
	Latency    time.Duration
	Err        error
}

// Reporter is told about every delivery and every middleware drop. The
// fabric uses it to feed route scoring.
type Reporter interface {
	ReportDelivery(ctx context.Context, d Delivery)
	ReportDrop(ctx context.Context, env *envelope.Envelope, out middleware.Outcome)
}

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	TickInterval time.Duration
	BatchSize    int
	TickBudget   int
	// FairnessEvery reserves a slot for each non-empty lower queue every N
	// ticks. Negative disables the reservation.
	FairnessEvery    int
	QueueCapacity    int
	SubscriberBuffer int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     5 * time.Millisecond,
		BatchSize:        64,
		TickBudget:       256,
		FairnessEvery:    4,
		QueueCapacity:    1024,
		SubscriberBuffer: 256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.TickBudget <= 0 {
		c.TickBudget = d.TickBudget
	}
	if c.FairnessEvery == 0 {
		c.FairnessEvery = d.FairnessEvery
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = d.SubscriberBuffer
	}
	return c
}

// Option configures a Bus.
type Option func(*Bus)

func WithClock(c clock.Clock) Option { return func(b *Bus) { b.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

func WithMetrics(m *metrics.Registry) Option { return func(b *Bus) { b.metrics = m } }

func WithController(c backpressure.Controller) Option { return func(b *Bus) { b.controller = c } }

func WithTelemetry(t Telemetry) Option { return func(b *Bus) { b.telemetry = t } }

func WithReporter(r Reporter) Option { return func(b *Bus) { b.reporter = r } }

func WithPipeline(p *middleware.Pipeline) Option { return func(b *Bus) { b.pipeline = p } }

// WithBreakerOptions sets the options used for every subscriber breaker.
// The clock defaults to the bus clock.
func WithBreakerOptions(o resiliency.Options) Option {
	return func(b *Bus) { b.breakerOpts = o }
}

// Bus is the priority publish/subscribe scheduler.
type Bus struct {
	cfg         Config
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Registry
	pipeline    *middleware.Pipeline
	controller  backpressure.Controller
	telemetry   Telemetry
	reporter    Reporter
	breakerOpts resiliency.Options
	breakers    *resiliency.Registry

	qmu    sync.Mutex
	queues [4]*ring
	ticks  uint64

	pressure atomic.Int32
	shed     atomic.Uint64

	smu    sync.RWMutex
	subs   map[string][]*subscription
	nextID atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	workers conc.WaitGroup

	lmu     sync.Mutex
	started bool
	closed  atomic.Bool
	loop    conc.WaitGroup
}

func New(cfg Config, opts ...Option) *Bus {
	b := &Bus{
		cfg:  cfg.withDefaults(),
		subs: make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	if b.logger == nil {
		b.logger = slog.Default().With("component", "bus")
	}
	if b.metrics == nil {
		b.metrics = metrics.NewRegistry()
	}
	if b.pipeline == nil {
		b.pipeline = middleware.NewPipeline(b.logger)
	}
	if b.controller == nil {
		b.controller = backpressure.Threshold{Level: backpressure.DefaultLevel}
	}

	bo := b.breakerOpts
	if bo.Clock == nil {
		bo.Clock = b.clock
	}
	userHook := bo.OnStateChange
	bo.OnStateChange = func(name string, from, to resiliency.State) {
		b.logger.Warn("circuit breaker transition", "breaker", name, "from", from.String(), "to", to.String())
		if b.telemetry != nil {
			b.telemetry.RecordBreakerTransition(b.ctx, name, from, to)
		}
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	b.breakers = resiliency.NewRegistry(bo)

	for i := range b.queues {
		b.queues[i] = newRing(b.cfg.QueueCapacity)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Metrics returns the registry the bus writes outcomes to.
func (b *Bus) Metrics() *metrics.Registry { return b.metrics }

// Breakers returns the per-subscriber breaker registry.
func (b *Bus) Breakers() *resiliency.Registry { return b.breakers }

// Use appends a middleware to the pipeline. Safe while the bus is running.
func (b *Bus) Use(mw middleware.Middleware) { b.pipeline.Use(mw) }

// SetPressure sets the metabolic pressure, clamped to 0..100.
func (b *Bus) SetPressure(score int) {
	b.pressure.Store(int32(backpressure.ClampPressure(score)))
}

func (b *Bus) Pressure() int { return int(b.pressure.Load()) }

// Publish seals env for channel and enqueues it. It never blocks. queued is
// false when the envelope was shed or the bus is closed.
func (b *Bus) Publish(channel string, env *envelope.Envelope, p envelope.Priority) (id string, queued bool) {
	if !p.Valid() {
		p = envelope.Normal
	}
	sealed := env.Stamp(channel, p, b.clock.Now())

	if b.closed.Load() {
		return sealed.ID(), false
	}
	if b.controller.ShouldShed(p, b.Pressure()) {
		b.recordShed(sealed)
		return sealed.ID(), false
	}

	b.qmu.Lock()
	evicted := b.queues[p].push(sealed)
	b.qmu.Unlock()

	if evicted != nil {
		b.metrics.IncrementRouteCount(evicted.Channel(), metrics.TypeEvicted)
		b.logger.Debug("queue full, evicted oldest envelope",
			"priority", p.String(), "channel", evicted.Channel(), "envelope_id", evicted.ID())
	}
	return sealed.ID(), true
}

func (b *Bus) recordShed(env *envelope.Envelope) {
	b.shed.Add(1)
	b.metrics.IncrementRouteCount(env.Channel(), metrics.TypeShed)
	if b.telemetry != nil {
		b.telemetry.RecordShed(b.ctx, env.Channel(), env.Priority())
	}
}

// Start runs the dispatch loop until ctx is cancelled or Stop is called.
func (b *Bus) Start(ctx context.Context) error {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	if b.closed.Load() {
		return ErrClosed
	}
	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true

	ticker := b.clock.Ticker(b.cfg.TickInterval)
	b.loop.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				b.Tick(b.ctx)
			}
		}
	})
	b.logger.Info("bus started", "tick_interval", b.cfg.TickInterval.String())
	return nil
}

// Stop halts the loop and every subscriber worker. Envelopes still queued
// are discarded. Stop is idempotent.
func (b *Bus) Stop() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.cancel()
	b.loop.Wait()

	b.smu.Lock()
	for _, list := range b.subs {
		for _, s := range list {
			s.close()
		}
	}
	b.subs = make(map[string][]*subscription)
	b.smu.Unlock()

	b.workers.Wait()
	b.logger.Info("bus stopped", "shed", b.shed.Load())
}

// Tick runs one scheduling cycle and returns how many envelopes were
// dispatched.
func (b *Bus) Tick(ctx context.Context) int {
	batch, shed := b.schedule()
	for _, env := range shed {
		b.recordShed(env)
	}
	for _, env := range batch {
		b.dispatch(ctx, env)
	}
	return len(batch)
}

// schedule discards shed-eligible queued envelopes and picks this tick's
// batch in priority order.
func (b *Bus) schedule() (batch, shed []*envelope.Envelope) {
	pressure := b.Pressure()

	b.qmu.Lock()
	defer b.qmu.Unlock()
	b.ticks++

	for _, p := range envelope.Priorities {
		if b.controller.ShouldShed(p, pressure) {
			shed = append(shed, b.queues[p].drain()...)
		}
	}

	// On fairness ticks every non-empty lower queue is guaranteed one slot.
	// Otherwise a level is only served once every higher level is empty.
	reserved := 0
	fair := b.cfg.FairnessEvery > 0 && b.ticks%uint64(b.cfg.FairnessEvery) == 0
	if fair {
		for _, p := range envelope.Priorities[1:] {
			if b.queues[p].len() > 0 {
				reserved++
			}
		}
	}

	budget := b.cfg.TickBudget
	blocked := false
	for _, p := range envelope.Priorities {
		q := b.queues[p]
		slot := 0
		if fair && p != envelope.Critical && q.len() > 0 {
			reserved--
			slot = 1
		}

		n := slot
		if !blocked {
			n = max(min(b.cfg.BatchSize, budget-reserved), slot)
		}
		n = min(n, budget)
		if n > 0 {
			before := len(batch)
			batch = q.popN(batch, n)
			budget -= len(batch) - before
		}
		if q.len() > 0 {
			blocked = true
		}
	}
	return batch, shed
}

func (b *Bus) dispatch(ctx context.Context, env *envelope.Envelope) {
	out := b.pipeline.Run(ctx, env)
	if out.Dropped {
		b.metrics.IncrementRouteCount(env.Channel(), metrics.TypeDropped)
		if b.reporter != nil {
			b.reporter.ReportDrop(ctx, env, out)
		}
		return
	}

	for _, s := range b.subscribers(env.Channel()) {
		select {
		case s.inbox <- env:
		default:
			b.metrics.IncrementRouteCount(env.Channel(), metrics.TypeOverflow)
			b.logger.Warn("subscriber inbox full, envelope not delivered",
				"channel", env.Channel(), "subscriber", s.id, "envelope_id", env.ID())
			b.report(ctx, Delivery{Envelope: env, Subscriber: s.id, Outcome: metrics.TypeOverflow})
		}
	}
}

// subscribers returns the channel's subscribers followed by wildcard ones.
func (b *Bus) subscribers(channel string) []*subscription {
	b.smu.RLock()
	defer b.smu.RUnlock()
	direct, wild := b.subs[channel], b.subs[Wildcard]
	if channel == Wildcard {
		wild = nil
	}
	out := make([]*subscription, 0, len(direct)+len(wild))
	out = append(out, direct...)
	return append(out, wild...)
}

func (b *Bus) report(ctx context.Context, d Delivery) {
	if b.telemetry != nil {
		b.telemetry.RecordDelivery(ctx, d.Envelope.Channel(), d.Outcome, d.Latency)
	}
	if b.reporter != nil {
		b.reporter.ReportDelivery(ctx, d)
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithSubscriberID names the subscriber. The name keys its breaker and its
// route in the pheromone store. A second live subscription with the same
// name on the same channel is rejected.
func WithSubscriberID(id string) SubscribeOption {
	return func(s *subscription) { s.id = id }
}

type subscription struct {
	id      string
	channel string
	handler Handler
	breaker *resiliency.CircuitBreaker
	inbox   chan *envelope.Envelope
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// Subscribe registers handler on channel and returns an unsubscribe
// function. Calling it more than once is a no-op.
func (b *Bus) Subscribe(channel string, handler Handler, opts ...SubscribeOption) (unsubscribe func()) {
	channel = envelope.NormalizeChannel(channel)
	s := &subscription{
		channel: channel,
		handler: handler,
		inbox:   make(chan *envelope.Envelope, b.cfg.SubscriberBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = fmt.Sprintf("sub-%d", b.nextID.Add(1))
	}

	b.smu.Lock()
	if b.closed.Load() {
		b.smu.Unlock()
		b.logger.Warn("subscribe on closed bus ignored", "channel", channel, "subscriber", s.id)
		return func() {}
	}
	for _, cur := range b.subs[channel] {
		if cur.id == s.id {
			b.smu.Unlock()
			b.logger.Error("duplicate subscriber id rejected", "channel", channel, "subscriber", s.id)
			return func() {}
		}
	}
	s.breaker = b.breakers.Get(resiliency.Key(channel, s.id))
	b.subs[channel] = append(b.subs[channel], s)
	b.workers.Go(func() { b.work(s) })
	b.smu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(s) })
	}
}

func (b *Bus) unsubscribe(s *subscription) {
	b.smu.Lock()
	list := b.subs[s.channel]
	for i, cur := range list {
		if cur == s {
			next := make([]*subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			b.subs[s.channel] = append(next, list[i+1:]...)
			break
		}
	}
	if len(b.subs[s.channel]) == 0 {
		delete(b.subs, s.channel)
	}
	b.smu.Unlock()

	s.close()
	b.breakers.Remove(resiliency.Key(s.channel, s.id))
}

func (b *Bus) work(s *subscription) {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.inbox:
			b.deliver(s, env)
		}
	}
}

func (b *Bus) deliver(s *subscription, env *envelope.Envelope) {
	ctx := b.ctx
	var finish func(string, error)
	if b.telemetry != nil {
		ctx, finish = b.telemetry.StartDelivery(ctx, env, s.id)
	}
	start := b.clock.Now()
	err := s.breaker.Execute(func() error { return invoke(ctx, s.handler, env) })
	latency := b.clock.Since(start)

	d := Delivery{Envelope: env, Subscriber: s.id, Latency: latency, Err: err}
	switch {
	case err == nil:
		d.Outcome = metrics.TypeDelivered
	case errors.Is(err, resiliency.ErrCircuitOpen):
		d.Outcome = metrics.TypeCircuitOpen
	default:
		d.Outcome = metrics.TypeFailed
		b.logger.Warn("subscriber failed",
			"channel", env.Channel(), "subscriber", s.id, "envelope_id", env.ID(), "error", err)
	}
	b.metrics.IncrementRouteCount(env.Channel(), d.Outcome)
	if finish != nil {
		finish(d.Outcome, err)
	}
	b.report(ctx, d)
}

func invoke(ctx context.Context, h Handler, env *envelope.Envelope) (err error) {
	var catcher panics.Catcher
	catcher.Try(func() { err = h(ctx, env) })
	if r := catcher.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Depth       map[string]int `json:"depth"`
	Pressure    int            `json:"pressure"`
	Subscribers int            `json:"subscribers"`
	Channels    int            `json:"channels"`
	Shed        uint64         `json:"shed"`
	Ticks       uint64         `json:"ticks"`
}

func (b *Bus) Stats() Stats {
	st := Stats{
		Depth:    make(map[string]int, len(b.queues)),
		Pressure: b.Pressure(),
		Shed:     b.shed.Load(),
	}

	b.qmu.Lock()
	for _, p := range envelope.Priorities {
		st.Depth[p.String()] = b.queues[p].len()
	}
	st.Ticks = b.ticks
	b.qmu.Unlock()

	b.smu.RLock()
	st.Channels = len(b.subs)
	for _, list := range b.subs {
		st.Subscribers += len(list)
	}
	b.smu.RUnlock()
	return st
}

// Utilisation returns the fraction of total queue capacity in use.
func (b *Bus) Utilisation() float64 {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	used := 0
	for _, q := range b.queues {
		used += q.len()
	}
	return float64(used) / float64(len(b.queues)*b.cfg.QueueCapacity)
}
