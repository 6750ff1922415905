package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects how much of the service is traced.
type Mode string

const (
	// ModeOff records nothing.
	ModeOff Mode = "off"
	// ModeErrors samples sparsely; failed spans carry error status.
	ModeErrors Mode = "errors"
	// ModeSampled samples sync runs and requests at the configured ratio.
	ModeSampled Mode = "sampled"
	// ModeDetailed records every span, including per-call store spans.
	ModeDetailed Mode = "detailed"

	// DefaultServiceName is reported when no service name is configured.
	DefaultServiceName = "scm-ingest"

	errorsModeRatio = 0.01
)

var currentMode atomic.Value

// ParseMode normalizes a configured mode name and reports whether it is known.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeOff:
		return ModeOff, true
	case ModeErrors:
		return ModeErrors, true
	case ModeSampled, "":
		return ModeSampled, true
	case ModeDetailed:
		return ModeDetailed, true
	default:
		return ModeSampled, false
	}
}

// Config configures tracing.
type Config struct {
	Enabled          bool
	ServiceName      string
	TraceMode        string
	TraceSampleRatio float64
}

// Provider owns the installed tracer provider.
type Provider struct {
	tracers *sdktrace.TracerProvider
}

// Setup installs the global tracer provider and trace mode. A disabled config installs a
// provider that never samples.
func Setup(cfg Config) (*Provider, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	mode, _ := ParseMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = ModeOff
	}
	currentMode.Store(mode)

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tracers := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(samplerFor(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracers)
	return &Provider{tracers: tracers}, nil
}

// TracerProvider exposes the SDK provider.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracers
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tracers == nil {
		return nil
	}
	return p.tracers.Shutdown(ctx)
}

// CurrentMode reports the mode installed by the last Setup.
func CurrentMode() Mode {
	mode, ok := currentMode.Load().(Mode)
	if !ok || mode == "" {
		return ModeOff
	}
	return mode
}

// Tracer returns the tracer for an internal component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(DefaultServiceName + "/internal/" + component)
}

// StartSpan opens a span; sampling decides whether it is recorded.
func StartSpan(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer(component).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartDependencySpan opens a span for a store or upstream call in detailed mode only.
// Otherwise it returns a nil span, which EndSpan and FailSpan accept.
func StartDependencySpan(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if CurrentMode() != ModeDetailed {
		return ctx, nil
	}
	return StartSpan(ctx, component, name, attrs...)
}

// EndSpan ends span if there is one.
func EndSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// FailSpan records err on span and marks it failed.
func FailSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func samplerFor(mode Mode, ratio float64) sdktrace.Sampler {
	ratio = max(0, min(1, ratio))
	switch mode {
	case ModeOff:
		return sdktrace.NeverSample()
	case ModeDetailed:
		return sdktrace.AlwaysSample()
	case ModeErrors:
		if ratio == 0 {
			ratio = errorsModeRatio
		}
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
