// Package observability provides OpenTelemetry tracing and metrics for the
// event fabric.
//
// The Provider exports over OTLP gRPC when enabled and records:
//   - delivery counts and latency per channel and outcome
//   - delivery errors (failed, circuit_open, overflow)
//   - load shedding per channel and priority
//   - circuit breaker transitions
//
// Each delivery also runs inside a consumer span that continues any trace
// context carried in the envelope metadata.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/eventfabric/pkg/envelope"
	"github.com/Mindburn-Labs/eventfabric/pkg/metrics"
	"github.com/Mindburn-Labs/eventfabric/pkg/resiliency"
)

const instrumentationName = "github.com/Mindburn-Labs/eventfabric"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // e.g. "localhost:4317"
	SampleRate     float64       `yaml:"sample_rate"`   // 0.0 to 1.0
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	ExportInterval time.Duration `yaml:"export_interval"`
	Enabled        bool          `yaml:"enabled"`
	Insecure       bool          `yaml:"insecure"`
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "eventfabric",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers and the fabric
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	deliveries   metric.Int64Counter
	errors       metric.Int64Counter
	duration     metric.Float64Histogram
	shed         metric.Int64Counter
	transitions  metric.Int64Counter
	instrumented bool
}

// New creates a provider. A disabled config yields a provider whose record
// methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("eventfabric.component", "bus"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init fabric instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)
	return p, nil
}

// NewWithMeterProvider builds a provider on an existing meter provider
// without exporters or global registration.
func NewWithMeterProvider(mp metric.MeterProvider) (*Provider, error) {
	return NewWithProviders(nil, mp)
}

// NewWithProviders is NewWithMeterProvider with an explicit tracer provider.
// A nil tp uses the global one.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		meter:  mp.Meter(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
	if tp != nil {
		p.tracer = tp.Tracer(instrumentationName)
	}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.deliveries, err = p.meter.Int64Counter("eventfabric.deliveries.total",
		metric.WithDescription("Envelopes handed to subscribers, by outcome"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return err
	}

	p.errors, err = p.meter.Int64Counter("eventfabric.delivery.errors.total",
		metric.WithDescription("Deliveries that failed, hit an open circuit or overflowed"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return err
	}

	p.duration, err = p.meter.Float64Histogram("eventfabric.delivery.duration",
		metric.WithDescription("Subscriber handler duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}

	p.shed, err = p.meter.Int64Counter("eventfabric.shed.total",
		metric.WithDescription("Envelopes dropped by load shedding"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return err
	}

	p.transitions, err = p.meter.Int64Counter("eventfabric.breaker.transitions.total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	p.instrumented = true
	return nil
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// StartDelivery starts the span for handing env to subscriber. Trace context
// found in the envelope metadata becomes the parent. The returned func ends
// the span with the delivery outcome.
func (p *Provider) StartDelivery(ctx context.Context, env *envelope.Envelope, subscriber string) (context.Context, func(outcome string, err error)) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Metadata()))

	attrs := []attribute.KeyValue{
		attribute.String("eventfabric.envelope_id", env.ID()),
		attribute.String("eventfabric.channel", env.Channel()),
		attribute.String("eventfabric.subscriber", subscriber),
		attribute.String("eventfabric.priority", env.Priority().String()),
	}
	if cid, ok := env.Meta(envelope.MetaCorrelationID); ok {
		attrs = append(attrs, attribute.String("eventfabric.correlation_id", cid))
	}
	ctx, span := p.Tracer().Start(ctx, "eventfabric.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(outcome string, err error) {
		span.SetAttributes(attribute.String("eventfabric.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func isErrorOutcome(outcome string) bool {
	switch outcome {
	case metrics.TypeFailed, metrics.TypeCircuitOpen, metrics.TypeOverflow:
		return true
	}
	return false
}

// RecordDelivery records one delivery attempt.
func (p *Provider) RecordDelivery(ctx context.Context, channel, outcome string, d time.Duration) {
	if !p.instrumented {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	)
	p.deliveries.Add(ctx, 1, attrs)
	if isErrorOutcome(outcome) {
		p.errors.Add(ctx, 1, attrs)
	}
	if d > 0 {
		p.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// RecordShed records one shed envelope.
func (p *Provider) RecordShed(ctx context.Context, channel string, pr envelope.Priority) {
	if !p.instrumented {
		return
	}
	p.shed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("priority", pr.String()),
	))
}

// RecordBreakerTransition records a circuit breaker state change.
func (p *Provider) RecordBreakerTransition(ctx context.Context, name string, from, to resiliency.State) {
	if !p.instrumented {
		return
	}
	p.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}
