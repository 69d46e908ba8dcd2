// Package tracing wraps OpenTelemetry's SDK tracer provider for bosun,
// exporting spans as JSONL for local inspection rather than shipping them
// to a collector bosun doesn't otherwise depend on. corestate builds a
// Provider; no bosun component starts spans from it.
//
// Grounded on the domain sibling zjrosen-perles'
// internal/orchestration/tracing package (tracer.go's config-driven
// Provider/NewProvider/Shutdown shape, exporter.go's JSONL span
// exporter), trimmed to the exporters this module's declared dependency
// set actually supports: no OTLP or stdout exporter modules are in
// go.mod, so "otlp"/"stdout" aren't offered here — file and none only.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls whether and how bosun traces itself.
type Config struct {
	// Enabled gates tracing entirely; Tracer() returns a zero-overhead
	// no-op implementation when false.
	Enabled bool
	// FilePath is where spans are appended as JSONL. Required when
	// Enabled is true.
	FilePath string
	// ServiceName tags every span's resource attributes.
	ServiceName string
	// SampleRate is the fraction of traces sampled, (0, 1]. Defaults to
	// 1.0 (sample everything) when unset.
	SampleRate float64
}

// Provider owns the SDK tracer provider's lifecycle.
type Provider struct {
	sdk     *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

// NewProvider builds a Provider from cfg. A disabled config returns a
// provider backed by trace/noop, safe to use identically to an enabled
// one everywhere spans are started.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		np := noop.NewTracerProvider()
		return &Provider{tracer: np.Tracer("bosun"), enabled: false}, nil
	}

	if cfg.FilePath == "" {
		return nil, fmt.Errorf("tracing: file_path required when enabled")
	}
	exporter, err := NewFileExporter(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("tracing: create file exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "bosun"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))
	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(sdk)

	return &Provider{sdk: sdk, tracer: sdk.Tracer(serviceName), enabled: true}, nil
}

// Tracer returns the tracer spans should be started from.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Enabled reports whether this provider is backed by a real exporter.
func (p *Provider) Enabled() bool { return p.enabled }

// Shutdown flushes and closes the underlying exporter. A no-op for a
// disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
