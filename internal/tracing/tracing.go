package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/oshokin/fwforge/internal/version"
)

// instrumentationName names the tracer.
const instrumentationName = "github.com/oshokin/fwforge"

// Provider exports spans synchronously as JSON to a writer.
type Provider struct {
	// provider is the SDK tracer provider.
	provider *sdktrace.TracerProvider
}

// New returns a provider writing spans for serviceName to w.
func New(w io.Writer, serviceName string) (*Provider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version.Short()),
	)

	return &Provider{
		provider: sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(exporter),
			sdktrace.WithResource(res),
		),
	}, nil
}

// Tracer returns the pipeline tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.provider.Tracer(instrumentationName)
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

// Noop returns a tracer that records nothing.
func Noop() trace.Tracer {
	return noop.NewTracerProvider().Tracer(instrumentationName)
}
