// Package tracing sets up the OpenTelemetry provider whose tracer the bridge
// uses for request spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider wraps the SDK provider. A disabled Provider hands out no-op
// tracers and has nothing to flush.
type Provider struct {
	provider *sdktrace.TracerProvider
	tp       trace.TracerProvider
}

// Option configures NewProvider.
type Option func(*options)

type options struct {
	stdout io.Writer
	global bool
}

// WithWriter sends the stdout exporter somewhere other than os.Stderr.
func WithWriter(w io.Writer) Option { return func(o *options) { o.stdout = w } }

// WithoutGlobal leaves the global otel provider untouched.
func WithoutGlobal() Option { return func(o *options) { o.global = false } }

// NewProvider builds the provider described by cfg and, unless told
// otherwise, installs it as the global provider.
func NewProvider(ctx context.Context, cfg config.TracingConfig, opts ...Option) (*Provider, error) {
	o := options{stdout: os.Stderr, global: true}
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.Enabled {
		return &Provider{tp: noop.NewTracerProvider()}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "stdout":
		// Spans go to stderr by default so they never mix with command output.
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(o.stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	case "none", "":
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "ledgerbridge"
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}

	popts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	if exporter != nil {
		popts = append(popts, sdktrace.WithBatcher(exporter))
	}
	p := sdktrace.NewTracerProvider(popts...)
	if o.global {
		otel.SetTracerProvider(p)
	}
	logging.Boot("tracing enabled: exporter=%s service=%s sample=%.2f", cfg.Exporter, name, rate)
	return &Provider{provider: p, tp: p}, nil
}

// TracerProvider returns the provider to hand to the bridge.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool { return p.provider != nil }

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
