// Package telemetry wires the OpenTelemetry tracer provider. Spans are
// produced by the gRPC stats handlers on both the peer server and the
// peer transport; export is an operator concern plugged in through the
// standard SDK environment knobs.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/fx"

	"github.com/opalchat/chat-replica-service/config"
)

const serviceName = "chat-replica-service"

func NewTracerProvider(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceInstanceID(cfg.Node.ID),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

var Module = fx.Module("telemetry",
	fx.Provide(NewTracerProvider),

	fx.Invoke(func(lc fx.Lifecycle, tp *sdktrace.TracerProvider) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return tp.Shutdown(ctx)
			},
		})
	}),
)
