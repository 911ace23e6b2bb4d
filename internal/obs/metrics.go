package obs

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// InitMeter configures a global meter provider with a periodic OTLP gRPC
// reader, mirroring InitTracer's graceful-degradation behavior.
func InitMeter(ctx context.Context, service string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()), //nolint:staticcheck // matches fleet-wide otelinit usage
	)
	if err != nil {
		slog.Warn("otel meter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	slog.Info("otel meter initialized", "endpoint", endpoint)
	return mp.Shutdown
}

// Meter returns a named meter, the way dag_engine.go / scheduler.go /
// cancellation.go each grab their own slice of the global meter provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Tracer returns a named tracer, the way dag_engine.go / scheduler.go /
// cancellation.go each call otel.Tracer("orchestrator-x") for their own slice.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
