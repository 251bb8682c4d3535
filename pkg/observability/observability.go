// Package observability provides OpenTelemetry tracing and metrics for the
// state-machine runtime: claim/conflict counters, transition outcomes, and
// handler latency. Export goes over OTLP gRPC; when disabled, the global
// no-op providers keep every instrument callable.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "dataspace.statemachine"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dataspace-connector",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers plus the runtime's
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	claims          metric.Int64Counter
	claimConflicts  metric.Int64Counter
	transitions     metric.Int64Counter
	handlerDuration metric.Float64Histogram
}

// New creates a provider. With Enabled=false no exporters are started and
// the instruments come from the global (no-op) meter.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
				semconv.DeploymentEnvironment(config.Environment),
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
		p.logger.InfoContext(ctx, "observability initialized",
			"service", config.ServiceName,
			"endpoint", config.OTLPEndpoint,
		)
	} else {
		p.logger.InfoContext(ctx, "observability disabled")
	}

	p.tracer = otel.Tracer(scope, trace.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
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

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
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

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	meter := otel.Meter(scope, metric.WithInstrumentationVersion(p.config.ServiceVersion))

	var err error
	if p.claims, err = meter.Int64Counter("statemachine.claims",
		metric.WithDescription("Lease claims attempted by the driver"),
	); err != nil {
		return err
	}
	if p.claimConflicts, err = meter.Int64Counter("statemachine.claim_conflicts",
		metric.WithDescription("Lease claims lost to another worker"),
	); err != nil {
		return err
	}
	if p.transitions, err = meter.Int64Counter("statemachine.transitions",
		metric.WithDescription("Persisted entity transitions by outcome"),
	); err != nil {
		return err
	}
	if p.handlerDuration, err = meter.Float64Histogram("statemachine.handler_duration",
		metric.WithDescription("Handler execution time in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	return nil
}

// RecordClaim counts one claim attempt, won or lost to a conflict.
func (p *Provider) RecordClaim(ctx context.Context, family string, won bool) {
	attrs := metric.WithAttributes(attribute.String("family", family))
	p.claims.Add(ctx, 1, attrs)
	if !won {
		p.claimConflicts.Add(ctx, 1, attrs)
	}
}

// RecordTransition counts one persisted outcome.
func (p *Provider) RecordTransition(ctx context.Context, family, outcome string) {
	p.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("outcome", outcome),
	))
}

// RecordHandlerDuration records one handler invocation's latency.
func (p *Provider) RecordHandlerDuration(ctx context.Context, family string, stateName string, d time.Duration) {
	p.handlerDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("state", stateName),
	))
}

// StartSpan begins a span under the runtime's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
