// Package traces sets up OpenTelemetry tracing for the book and the span
// attributes its operations carry.
package traces

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/tierpass"

// Config selects the collector and describes the deployment spans belong to.
type Config struct {
	Endpoint    string  // OTLP gRPC collector; empty disables tracing
	SampleRatio float64 // fraction of root spans kept, 0..1
	Version     string
	Env         string
	ChainID     int64
	Contract    string // deployed contract address, if any
	DemoMode    bool
}

// Init installs a batching OTLP tracer provider and returns its shutdown
// function. Without an endpoint it installs nothing.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("traces: sample ratio %v outside 0..1", cfg.SampleRatio)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("traces: exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(cfg)),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled",
		"endpoint", cfg.Endpoint,
		"sample_ratio", cfg.SampleRatio,
		"chain_id", cfg.ChainID)
	return tp.Shutdown, nil
}

// newResource tags every span with the book deployment it came from.
func newResource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName("tierpass"),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironment(cfg.Env),
		attribute.Int64("tierpass.chain_id", cfg.ChainID),
		attribute.Bool("tierpass.demo", cfg.DemoMode),
	}
	if cfg.Contract != "" {
		attrs = append(attrs, attribute.String("tierpass.contract", cfg.Contract))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// sampler keeps a ratio of new traces and follows the caller's decision
// for propagated ones.
func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func Caller(addr string) attribute.KeyValue {
	return attribute.String("caller", addr)
}

func Amount(wei string) attribute.KeyValue {
	return attribute.String("amount.wei", wei)
}

func TxHash(hash string) attribute.KeyValue {
	return attribute.String("tx.hash", hash)
}

func TierID(id uint64) attribute.KeyValue {
	return attribute.String("tier.id", strconv.FormatUint(id, 10))
}

func TokenID(id uint64) attribute.KeyValue {
	return attribute.String("token.id", strconv.FormatUint(id, 10))
}
