package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/eventfabric/pkg/bus"
	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
	"github.com/Mindburn-Labs/eventfabric/pkg/metrics"
	"github.com/Mindburn-Labs/eventfabric/pkg/resiliency"
)

var _ bus.Telemetry = (*Provider)(nil)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	p, err := NewWithMeterProvider(mp)
	require.NoError(t, err)
	return p, reader
}

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "eventfabric", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Recording on a disabled provider is a no-op.
	p.RecordDelivery(context.Background(), "orders", metrics.TypeDelivered, time.Millisecond)
	p.RecordShed(context.Background(), "orders", envelope.Low)
	p.RecordBreakerTransition(context.Background(), "orders#a", resiliency.StateClosed, resiliency.StateOpen)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestRecordDelivery(t *testing.T) {
	p, reader := newTestProvider(t)
	ctx := context.Background()

	p.RecordDelivery(ctx, "orders", metrics.TypeDelivered, 2*time.Millisecond)
	p.RecordDelivery(ctx, "orders", metrics.TypeDelivered, 4*time.Millisecond)
	p.RecordDelivery(ctx, "orders", metrics.TypeFailed, time.Millisecond)
	p.RecordDelivery(ctx, "orders", metrics.TypeOverflow, 0)

	got := collect(t, reader)
	delivered := sumFor(t, got["eventfabric.deliveries.total"],
		attribute.String("channel", "orders"), attribute.String("outcome", metrics.TypeDelivered))
	require.Equal(t, int64(2), delivered)

	errs := got["eventfabric.delivery.errors.total"]
	require.Equal(t, int64(1), sumFor(t, errs, attribute.String("channel", "orders"), attribute.String("outcome", metrics.TypeFailed)))
	require.Equal(t, int64(1), sumFor(t, errs, attribute.String("channel", "orders"), attribute.String("outcome", metrics.TypeOverflow)))

	hist, ok := got["eventfabric.delivery.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	require.Equal(t, uint64(3), hist.DataPoints[0].Count)
}

func TestRecordShedAndTransitions(t *testing.T) {
	p, reader := newTestProvider(t)
	ctx := context.Background()

	p.RecordShed(ctx, "telemetry", envelope.Low)
	p.RecordShed(ctx, "telemetry", envelope.Low)
	p.RecordBreakerTransition(ctx, "orders#a", resiliency.StateClosed, resiliency.StateOpen)

	got := collect(t, reader)
	require.Equal(t, int64(2), sumFor(t, got["eventfabric.shed.total"],
		attribute.String("channel", "telemetry"), attribute.String("priority", "low")))
	require.Equal(t, int64(1), sumFor(t, got["eventfabric.breaker.transitions.total"],
		attribute.String("breaker", "orders#a"), attribute.String("from", "closed"), attribute.String("to", "open")))
}

func TestStartSpan(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx, span := p.StartSpan(context.Background(), "publish")
	require.NotNil(t, ctx)
	span.End()
}

func newTracedProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	p, err := NewWithProviders(tp, sdkmetric.NewMeterProvider())
	require.NoError(t, err)
	return p, sr
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestStartDelivery(t *testing.T) {
	p, sr := newTracedProvider(t)
	env := envelope.New("x", envelope.WithCorrelationID("corr-7")).
		Stamp("orders", envelope.High, time.Now())

	ctx, finish := p.StartDelivery(context.Background(), env, "billing")
	require.True(t, trace.SpanFromContext(ctx).SpanContext().IsValid())
	finish(metrics.TypeFailed, errors.New("boom"))

	ended := sr.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	require.Equal(t, "eventfabric.deliver", span.Name())
	require.Equal(t, trace.SpanKindConsumer, span.SpanKind())
	require.Equal(t, codes.Error, span.Status().Code)

	attrs := spanAttrs(span)
	require.Equal(t, env.ID(), attrs["eventfabric.envelope_id"])
	require.Equal(t, "orders", attrs["eventfabric.channel"])
	require.Equal(t, "billing", attrs["eventfabric.subscriber"])
	require.Equal(t, "corr-7", attrs["eventfabric.correlation_id"])
	require.Equal(t, "high", attrs["eventfabric.priority"])
	require.Equal(t, metrics.TypeFailed, attrs["eventfabric.outcome"])
}

func TestBusDeliverySpans(t *testing.T) {
	p, sr := newTracedProvider(t)
	b := bus.New(bus.Config{}, bus.WithTelemetry(p))
	t.Cleanup(b.Stop)

	traced := make(chan bool, 1)
	b.Subscribe("orders", func(ctx context.Context, _ *envelope.Envelope) error {
		traced <- trace.SpanFromContext(ctx).SpanContext().IsValid()
		return nil
	}, bus.WithSubscriberID("billing"))

	b.Publish("orders", envelope.New(1), envelope.Normal)
	b.Tick(context.Background())

	select {
	case ok := <-traced:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	require.Eventually(t, func() bool { return len(sr.Ended()) == 1 }, 2*time.Second, time.Millisecond)
	attrs := spanAttrs(sr.Ended()[0])
	require.Equal(t, "billing", attrs["eventfabric.subscriber"])
	require.Equal(t, metrics.TypeDelivered, attrs["eventfabric.outcome"])
	require.Equal(t, codes.Unset, sr.Ended()[0].Status().Code)
}
