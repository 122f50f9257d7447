// Package otelx installs the global tracer provider and propagator.
package otelx

import (
	"context"
	"crypto/tls"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

// TracerName is the instrumentation scope for spans started by this service
const TracerName = "github.com/keithlinneman/linnemanlabs-imagegen"

type Options struct {
	Enabled  bool
	Endpoint string
	// Insecure sends spans in plaintext, otherwise the exporter dials with system-root TLS
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string
}

// Tracer returns the service tracer from the current global provider
func Tracer() trace.Tracer { return otel.Tracer(TracerName) }

func setPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}

// Init configures tracing and returns the provider shutdown func.
// When disabled a provider with no exporter is installed so spans still carry valid ids for log correlation.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	setPropagator()
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if o.Endpoint == "" {
		return nil, xerrors.New("otlp endpoint is required when tracing is enabled")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(
			credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}),
		))
	}

	// the local collector is expected to be up; do not let a dead one hang startup
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "create otlp exporter endpoint=%s", o.Endpoint)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName(o)),
			semconv.ServiceVersion(o.Version),
		),
	)
	if err != nil {
		// partial resources are still usable, the error only lists detectors that failed
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampSample(o.Sample)))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func serviceName(o Options) string {
	if o.Component == "" {
		return o.Service
	}
	return o.Service + "." + o.Component
}

func clampSample(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
