// Package telemetry provides OpenTelemetry metrics and tracing for the
// negotiation and execution paths.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ashureev/tripstake"

// Metrics holds the engine's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	tracer              trace.Tracer
	negotiations        metric.Int64Counter
	negotiationRounds   metric.Int64Histogram
	negotiationDuration metric.Float64Histogram
	stakeSubmissions    metric.Int64Counter
	withdrawals         metric.Int64Counter
}

// New creates instruments from the global meter and tracer providers.
func New() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{tracer: otel.Tracer(instrumentationName)}

	var err error
	if m.negotiations, err = meter.Int64Counter("tripstake.negotiations",
		metric.WithDescription("Negotiations finished, by outcome")); err != nil {
		return nil, fmt.Errorf("create negotiations counter: %w", err)
	}
	if m.negotiationRounds, err = meter.Int64Histogram("tripstake.negotiation.rounds",
		metric.WithDescription("Counter-offer rounds used per negotiation")); err != nil {
		return nil, fmt.Errorf("create rounds histogram: %w", err)
	}
	if m.negotiationDuration, err = meter.Float64Histogram("tripstake.negotiation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time from trigger to outcome")); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	if m.stakeSubmissions, err = meter.Int64Counter("tripstake.stake.submissions",
		metric.WithDescription("Stake transactions settled, by status and error kind")); err != nil {
		return nil, fmt.Errorf("create stake counter: %w", err)
	}
	if m.withdrawals, err = meter.Int64Counter("tripstake.withdrawals",
		metric.WithDescription("Withdrawal attempts, by outcome")); err != nil {
		return nil, fmt.Errorf("create withdrawals counter: %w", err)
	}
	return m, nil
}

// Start opens a span. With a nil receiver it returns ctx and the span
// already in ctx.
func (m *Metrics) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// NegotiationFinished records a negotiation outcome.
func (m *Metrics) NegotiationFinished(ctx context.Context, outcome string, rounds int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.negotiations.Add(ctx, 1, attrs)
	m.negotiationRounds.Record(ctx, int64(rounds), attrs)
	m.negotiationDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// StakeSettled records one settled stake transaction.
func (m *Metrics) StakeSettled(ctx context.Context, status, kind string) {
	if m == nil {
		return
	}
	m.stakeSubmissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("error_kind", kind),
	))
}

// WithdrawalFinished records a withdrawal attempt.
func (m *Metrics) WithdrawalFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.withdrawals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Setup installs an SDK tracer provider exporting over OTLP/HTTP. An empty
// endpoint leaves the global no-op provider in place.
func Setup(ctx context.Context, endpoint, serviceName string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if !strings.Contains(endpoint, "://") {
		opts = []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)
	slog.Info("Tracing enabled", "endpoint", endpoint, "service", serviceName)
	return tp.Shutdown, nil
}
