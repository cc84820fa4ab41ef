package fabric

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Mindburn-Labs/eventfabric/pkg/bus"
	"github.com/Mindburn-Labs/eventfabric/pkg/config"
	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
	"github.com/Mindburn-Labs/eventfabric/pkg/metrics"
	"github.com/Mindburn-Labs/eventfabric/pkg/resiliency"
	"github.com/Mindburn-Labs/eventfabric/pkg/routing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

func newTestFabric(t *testing.T, mutate func(*config.Config), opts ...Option) (*Fabric, *clock.Mock) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	f, err := New(cfg, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, f.Stop()) })
	return f, clk
}

type sink struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (s *sink) handle(_ context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envs)
}

func trailCounts(f *Fabric, path string) func() (uint64, uint64) {
	return func() (uint64, uint64) {
		tr, err := f.Trails().Trail(context.Background(), path)
		if err != nil {
			return 0, 0
		}
		return tr.SuccessCount, tr.FailureCount
	}
}

func TestFabric_DeliveryDepositsTrail(t *testing.T) {
	f, _ := newTestFabric(t, nil)
	ctx := context.Background()

	s := &sink{}
	f.Subscribe("orders", s.handle, bus.WithSubscriberID("billing"))
	for i := 0; i < 3; i++ {
		_, queued := f.Publish("orders", envelope.New(i), envelope.Normal)
		require.True(t, queued)
	}
	f.Bus().Tick(ctx)

	counts := trailCounts(f, "orders/billing")
	require.Eventually(t, func() bool { ok, _ := counts(); return ok == 3 }, waitFor, time.Millisecond)

	strength, err := f.Trails().Strength(ctx, "orders/billing")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, strength, 1e-9)

	st, ok := f.Desire().Stats("orders/billing")
	require.True(t, ok)
	assert.Equal(t, uint64(3), st.Hits)
	assert.False(t, st.Paved)

	_, err = f.Router().Optimize(ctx)
	require.NoError(t, err)
	edge, ok := f.Router().Select("orders", nil)
	require.True(t, ok)
	assert.Equal(t, "billing", edge.To)
}

func TestFabric_FailedDeliveryDoesNotReinforce(t *testing.T) {
	f, _ := newTestFabric(t, nil)
	ctx := context.Background()

	f.Subscribe("orders", func(context.Context, *envelope.Envelope) error {
		return errors.New("downstream unavailable")
	}, bus.WithSubscriberID("billing"))
	f.Publish("orders", envelope.New("x"), envelope.High)
	f.Bus().Tick(ctx)

	counts := trailCounts(f, "orders/billing")
	require.Eventually(t, func() bool { _, failed := counts(); return failed == 1 }, waitFor, time.Millisecond)

	strength, err := f.Trails().Strength(ctx, "orders/billing")
	require.NoError(t, err)
	assert.Zero(t, strength)

	_, ok := f.Desire().Stats("orders/billing")
	assert.False(t, ok, "failed deliveries are not desire hits")
}

func TestFabric_PavingPublishesEvent(t *testing.T) {
	f, _ := newTestFabric(t, func(c *config.Config) { c.Desire.PaveThreshold = 2 })
	ctx := context.Background()

	watcher := &sink{}
	f.Subscribe(ChannelPaved, watcher.handle, bus.WithSubscriberID("watcher"))

	s := &sink{}
	f.Subscribe("orders", s.handle, bus.WithSubscriberID("billing"))
	for i := 0; i < 5; i++ {
		f.Publish("orders", envelope.New(i), envelope.Normal)
	}

	require.Eventually(t, func() bool {
		f.Bus().Tick(ctx)
		return watcher.len() > 0 && s.len() == 5
	}, waitFor, time.Millisecond)
	f.Bus().Tick(ctx)

	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	require.Len(t, watcher.envs, 1, "a path is paved once")
	env := watcher.envs[0]
	assert.Equal(t, SourceFabric, env.Source())
	assert.Equal(t, envelope.Normal, env.Priority())

	ev, ok := env.Payload().(PavedEvent)
	require.True(t, ok)
	assert.Equal(t, "orders/billing", ev.Path)
	assert.Equal(t, uint64(3), ev.Hits)
	assert.True(t, f.Desire().Paved("orders/billing"))
}

func TestFabric_QuarantineFeedsReputation(t *testing.T) {
	f, _ := newTestFabric(t, func(c *config.Config) {
		c.Quarantine.Enabled = true
		c.Quarantine.CriticalChannels = []string{"payments"}
		c.Quarantine.UntrustedSources = []string{"mallory"}
	})
	ctx := context.Background()

	s := &sink{}
	f.Subscribe("payments", s.handle)
	f.Subscribe("orders", s.handle)

	f.Publish("orders", envelope.New(1, envelope.WithSource("mallory")), envelope.Normal)
	f.Publish("payments", envelope.New(2, envelope.WithSource("bob")), envelope.Normal)
	f.Publish("orders", envelope.New(3, envelope.WithSource("alice")), envelope.Normal)
	f.Bus().Tick(ctx)

	require.Eventually(t, func() bool { return s.len() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, uint64(2), f.Metrics().Total(metrics.TypeDropped))

	for _, src := range []string{"mallory", "bob"} {
		tr, err := f.Reputation().Trail(ctx, "source/"+src)
		require.NoError(t, err, src)
		assert.Equal(t, uint64(1), tr.FailureCount, src)
		assert.Zero(t, tr.SuccessCount, src)
	}

	rep, err := f.SourceReputation(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rep, 1e-9)
	assert.Equal(t, []string{"quarantine", "reputation"}, f.Pipeline().Names())
}

func TestFabric_ReputationDecaysSlowly(t *testing.T) {
	f, clk := newTestFabric(t, nil)
	ctx := context.Background()

	f.Publish("orders", envelope.New(1, envelope.WithSource("alice")), envelope.Normal)
	f.Bus().Tick(ctx)

	clk.Add(30 * 24 * time.Hour)
	rep, err := f.SourceReputation(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rep, 1e-9)
}

func TestFabric_PipelineFromConfig(t *testing.T) {
	dir := t.TempDir()
	schema := filepath.Join(dir, "orders.json")
	require.NoError(t, os.WriteFile(schema, []byte(`{"type":"object","required":["id"]}`), 0o600))

	f, _ := newTestFabric(t, func(c *config.Config) {
		c.RateLimit.Enabled = true
		c.Filters = []config.FilterConfig{{Name: "no-debug", Expr: `channel != "debug"`}}
		c.Schemas = map[string]string{"orders": schema}
		c.Fingerprint = true
	})
	assert.Equal(t, []string{"ratelimit", "no-debug", "schema", "fingerprint", "reputation"}, f.Pipeline().Names())

	s := &sink{}
	f.Subscribe("orders", s.handle)
	f.Subscribe("debug", s.handle)
	f.Publish("orders", envelope.New(map[string]any{"id": "o-1"}), envelope.Normal)
	f.Publish("orders", envelope.New(map[string]any{"sku": "x"}), envelope.Normal)
	f.Publish("debug", envelope.New("noise"), envelope.Normal)
	f.Bus().Tick(context.Background())

	require.Eventually(t, func() bool { return s.len() == 1 }, waitFor, time.Millisecond)
	s.mu.Lock()
	_, ok := s.envs[0].Meta(envelope.MetaFingerprint)
	s.mu.Unlock()
	assert.True(t, ok)
	assert.Equal(t, uint64(2), f.Metrics().Total(metrics.TypeDropped))
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad filter", func(c *config.Config) { c.Filters = []config.FilterConfig{{Name: "broken", Expr: "channel =="}} }},
		{"missing schema", func(c *config.Config) { c.Schemas = map[string]string{"orders": "/nonexistent/orders.json"} }},
		{"unknown backend", func(c *config.Config) { c.Pheromone.Backend = "etcd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestFabric_SamplePressureFromUtilisation(t *testing.T) {
	f, _ := newTestFabric(t, func(c *config.Config) { c.Bus.QueueCapacity = 10 })

	// One of four queues full.
	for i := 0; i < 10; i++ {
		f.Publish("idle", envelope.New(i), envelope.Low)
	}
	assert.Equal(t, 25, f.SamplePressure())
	assert.Equal(t, 25, f.Bus().Pressure())
}

func TestFabric_SamplePressureFromFailures(t *testing.T) {
	f, _ := newTestFabric(t, nil)
	ctx := context.Background()

	f.Subscribe("orders", func(context.Context, *envelope.Envelope) error {
		return errors.New("boom")
	}, bus.WithSubscriberID("billing"))
	for i := 0; i < 3; i++ {
		f.Publish("orders", envelope.New(i), envelope.High)
	}
	f.Bus().Tick(ctx)

	counts := trailCounts(f, "orders/billing")
	require.Eventually(t, func() bool { _, failed := counts(); return failed == 3 }, waitFor, time.Millisecond)

	assert.Equal(t, 33, f.SamplePressure())
}

type fakeTelemetry struct {
	mu         sync.Mutex
	deliveries map[string]int
}

func (f *fakeTelemetry) RecordDelivery(_ context.Context, _, outcome string, _ time.Duration) {
	f.mu.Lock()
	f.deliveries[outcome]++
	f.mu.Unlock()
}

func (f *fakeTelemetry) StartDelivery(ctx context.Context, _ *envelope.Envelope, _ string) (context.Context, func(string, error)) {
	return ctx, func(string, error) {}
}

func (f *fakeTelemetry) RecordShed(context.Context, string, envelope.Priority) {}

func (f *fakeTelemetry) RecordBreakerTransition(context.Context, string, resiliency.State, resiliency.State) {
}

func (f *fakeTelemetry) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveries[metrics.TypeDelivered]
}

func TestFabric_ForwardsTelemetry(t *testing.T) {
	tel := &fakeTelemetry{deliveries: make(map[string]int)}
	f, _ := newTestFabric(t, nil, WithTelemetry(tel))

	s := &sink{}
	f.Subscribe("orders", s.handle)
	f.Publish("orders", envelope.New(1), envelope.Normal)
	f.Bus().Tick(context.Background())

	require.Eventually(t, func() bool { return tel.delivered() == 1 }, waitFor, time.Millisecond)
}

func TestFabric_WithBackend(t *testing.T) {
	backend := routing.NewMemoryBackend()
	f, _ := newTestFabric(t, func(c *config.Config) { c.Pheromone.Backend = "redis" }, WithBackend(backend))

	s := &sink{}
	f.Subscribe("orders", s.handle, bus.WithSubscriberID("billing"))
	f.Publish("orders", envelope.New(1), envelope.Normal)
	f.Bus().Tick(context.Background())

	require.Eventually(t, func() bool {
		_, err := backend.Get(context.Background(), "orders/billing")
		return err == nil
	}, waitFor, time.Millisecond)
}

func TestFabric_StartStop(t *testing.T) {
	f, clk := newTestFabric(t, func(c *config.Config) {
		c.Bus.AutoPressure = true
		c.Bus.QueueCapacity = 10
		c.Router.OptimizeInterval = time.Second
	})
	ctx := context.Background()

	require.NoError(t, f.Start(ctx))
	assert.ErrorIs(t, f.Start(ctx), bus.ErrAlreadyStarted)

	for i := 0; i < 10; i++ {
		f.Publish("idle", envelope.New(i), envelope.Low)
	}
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return f.Router().Stats().OptimizedAt.After(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	}, waitFor, time.Millisecond)

	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop())
	assert.ErrorIs(t, f.Start(ctx), bus.ErrClosed)
}
