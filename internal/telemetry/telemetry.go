// Package telemetry wires OpenTelemetry for kakehashi: OTLP exporters, the
// service resource, and the call instruments shared by the HTTP server and
// the integration service.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopePrefix prefixes every instrumentation scope this service creates.
const ScopePrefix = "kakehashi/"

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Config selects the exporter endpoint and describes the running service.
type Config struct {
	// Endpoint is the OTLP/HTTP collector address. Empty disables export.
	Endpoint    string
	Insecure    bool
	ServiceName string
	Version     string
	// Storage is the active storage backend, attached to the resource so
	// dashboards can split by deployment shape.
	Storage string
}

// Resource describes the service to collectors.
func (c Config) Resource(ctx context.Context) (*resource.Resource, error) {
	name := c.ServiceName
	if name == "" {
		name = "kakehashi"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(c.Version),
	}
	if c.Storage != "" {
		attrs = append(attrs, attribute.String("kakehashi.storage", c.Storage))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
}

// Init installs the global tracer and meter providers. With no endpoint it
// leaves the no-op providers in place and returns a no-op Shutdown.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := cfg.Resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	// traceparent on inbound requests becomes the parent of the request span,
	// and provider calls carry it onward.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Meter returns the global meter for a kakehashi scope, e.g. "http".
func Meter(scope string) metric.Meter {
	return otel.GetMeterProvider().Meter(ScopePrefix + scope)
}

// Tracer returns the global tracer for a kakehashi scope.
func Tracer(scope string) trace.Tracer {
	return otel.Tracer(ScopePrefix + scope)
}

// Calls counts operations and records their duration in milliseconds.
// Instruments that fail to register are skipped, so a Calls is always safe
// to use.
type Calls struct {
	count    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewCalls registers a counter and a millisecond histogram on scope.
func NewCalls(scope, countName, durationName, description string) *Calls {
	m := Meter(scope)
	c := &Calls{}
	if ctr, err := m.Int64Counter(countName, metric.WithDescription(description)); err == nil {
		c.count = ctr
	}
	if h, err := m.Float64Histogram(durationName,
		metric.WithDescription(description+" (ms)"),
		metric.WithUnit("ms"),
	); err == nil {
		c.duration = h
	}
	return c
}

// Record adds one call that took elapsed.
func (c *Calls) Record(ctx context.Context, elapsed time.Duration, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	set := metric.WithAttributes(attrs...)
	if c.count != nil {
		c.count.Add(ctx, 1, set)
	}
	if c.duration != nil {
		c.duration.Record(ctx, float64(elapsed.Microseconds())/1000, set)
	}
}
