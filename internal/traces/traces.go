// Package traces provides OpenTelemetry tracing for firewall checks.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/txfirewall"

type settings struct {
	version     string
	sampleRatio float64
}

// Option configures Init.
type Option func(*settings)

// WithVersion sets the service.version resource attribute.
func WithVersion(v string) Option {
	return func(s *settings) { s.version = v }
}

// WithSampleRatio samples this fraction of root spans. Child spans follow
// their parent's decision.
func WithSampleRatio(r float64) Option {
	return func(s *settings) { s.sampleRatio = r }
}

// Init initializes the OpenTelemetry tracer provider.
// If otlpEndpoint is empty, a no-op provider is used.
// Returns a shutdown function that should be called on server stop.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger, opts ...Option) (func(context.Context) error, error) {
	st := settings{version: "dev", sampleRatio: 1}
	for _, opt := range opts {
		opt(&st)
	}
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("txfirewall"),
			semconv.ServiceVersion(st.version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(st.sampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("tracing enabled", "endpoint", otlpEndpoint, "sample_ratio", st.sampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Fail marks span as errored. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute helpers for consistent span decoration.

func To(addr string) attribute.KeyValue {
	return attribute.String("tx.to", addr)
}

func Payer(addr string) attribute.KeyValue {
	return attribute.String("tx.payer", addr)
}

func ValueWei(v string) attribute.KeyValue {
	return attribute.String("tx.value_wei", v)
}

func CheckID(id string) attribute.KeyValue {
	return attribute.String("firewall.check_id", id)
}

func DecisionCode(code string) attribute.KeyValue {
	return attribute.String("firewall.code", code)
}

func Attempt(n int) attribute.KeyValue {
	return attribute.Int("simulation.attempt", n)
}
