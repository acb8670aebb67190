// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mrzor/calltrace/internal/config"
	"github.com/mrzor/calltrace/internal/log"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// logProxyConfig reports the proxy settings the HTTP exporter will honor.
func logProxyConfig(endpoint string) {
	httpProxy := os.Getenv("HTTP_PROXY")
	if httpProxy == "" {
		httpProxy = os.Getenv("http_proxy")
	}
	httpsProxy := os.Getenv("HTTPS_PROXY")
	if httpsProxy == "" {
		httpsProxy = os.Getenv("https_proxy")
	}

	if httpProxy != "" || httpsProxy != "" {
		log.Debug("proxy configuration", "http_proxy", httpProxy, "https_proxy", httpsProxy)
	}
	log.Debug("using OTLP/HTTP endpoint", "endpoint", endpoint)
}

// fixedTraceIDs keeps every root span of a session in one trace.
type fixedTraceIDs struct {
	mu      sync.Mutex
	traceID trace.TraceID
}

func (g *fixedTraceIDs) NewIDs(_ context.Context) (trace.TraceID, trace.SpanID) {
	return g.traceID, g.newSpanID()
}

func (g *fixedTraceIDs) NewSpanID(_ context.Context, _ trace.TraceID) trace.SpanID {
	return g.newSpanID()
}

func (g *fixedTraceIDs) newSpanID() trace.SpanID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var id trace.SpanID
	for !id.IsValid() {
		_, _ = rand.Read(id[:]) //nolint:errcheck // crypto/rand does not fail on linux
	}
	return id
}

// InitProvider initializes the OpenTelemetry tracer provider for the OTLP
// endpoint in cfg. A valid traceID pins every root span to that trace;
// a zero traceID lets the SDK pick random ones.
//
// Note: Uses OTLP/HTTP protocol. The HTTP client automatically honors HTTP_PROXY,
// HTTPS_PROXY, and NO_PROXY environment variables through Go's standard net/http transport.
func InitProvider(cfg *config.OTELConfig, traceID trace.TraceID) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endpoint := cfg.GetEndpoint()
	log.Debug("OTEL configuration",
		"service_name", cfg.ServiceName,
		"endpoint", endpoint,
		"resource_attributes", cfg.ResourceAttributes,
	)
	logProxyConfig(endpoint)

	exporterOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	if headers := cfg.ParseHeaders(); len(headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracehttp.WithHeaders(headers))
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	return newProvider(ctx, cfg, traceID, sdktrace.WithBatcher(exporter))
}

func newProvider(ctx context.Context, cfg *config.OTELConfig, traceID trace.TraceID, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	resourceAttrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if customAttrs := cfg.ParseResourceAttributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts = append(opts, sdktrace.WithResource(res))
	if traceID.IsValid() {
		opts = append(opts, sdktrace.WithIDGenerator(&fixedTraceIDs{traceID: traceID}))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}
