// Package telemetry wires the gateway's OpenTelemetry providers: OTLP HTTP
// export for traces and metrics, plus an optional Prometheus scrape handler.
// With nothing configured every handle is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/meshgate/meshgate/pkg/logger"
)

// shutdownTimeout bounds provider flush during Shutdown.
const shutdownTimeout = 5 * time.Second

// Config holds the telemetry settings.
type Config struct {
	// ServiceName and ServiceVersion identify this process in exported data.
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is the OTLP HTTP collector endpoint (host:port). Empty
	// disables OTLP export.
	OTLPEndpoint string

	// Headers are sent with every OTLP request.
	Headers map[string]string

	// Insecure disables TLS on the OTLP connection.
	Insecure bool

	// TracingEnabled and MetricsEnabled gate the respective OTLP signals.
	TracingEnabled bool
	MetricsEnabled bool

	// SamplingRate is the trace sampling ratio, 0.0 to 1.0.
	SamplingRate float64

	// EnablePrometheusMetricsPath exposes metrics for Prometheus scraping.
	EnablePrometheusMetricsPath bool
}

// Provider bundles the tracer and meter providers with their teardown.
type Provider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProvider builds the providers described by cfg. Unconfigured signals get
// no-op implementations so callers never branch on nil.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}

	if !cfg.wantsMetrics() && !cfg.wantsTracing() {
		logger.Info("No telemetry configured, using no-op providers")
		return p, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry resource: %w", err)
	}

	if cfg.wantsMetrics() {
		if err := p.setupMetrics(ctx, cfg, res); err != nil {
			return nil, err
		}
	}
	if cfg.wantsTracing() {
		if err := p.setupTracing(ctx, cfg, res); err != nil {
			return nil, err
		}
	}

	logger.Infof("Telemetry providers created (otlp=%q, prometheus=%t)",
		cfg.OTLPEndpoint, cfg.EnablePrometheusMetricsPath)
	return p, nil
}

func (c Config) wantsMetrics() bool {
	return (c.MetricsEnabled && c.OTLPEndpoint != "") || c.EnablePrometheusMetricsPath
}

func (c Config) wantsTracing() bool {
	return c.TracingEnabled && c.OTLPEndpoint != ""
}

func (p *Provider) setupMetrics(ctx context.Context, cfg Config, res *resource.Resource) error {
	var readers []sdkmetric.Reader

	if cfg.MetricsEnabled && cfg.OTLPEndpoint != "" {
		exporter, err := newOTLPMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("creating OTLP metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exporter))
	}

	if cfg.EnablePrometheusMetricsPath {
		registry := prom.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("creating Prometheus exporter: %w", err)
		}
		readers = append(readers, exporter)
		p.prometheusHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, reader := range readers {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	p.meterProvider = provider
	p.shutdownFuncs = append(p.shutdownFuncs, provider.Shutdown)
	return nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg Config, res *resource.Resource) error {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
	)
	p.tracerProvider = provider
	p.shutdownFuncs = append(p.shutdownFuncs, provider.Shutdown)
	return nil
}

func newOTLPMetricExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return otlpmetrichttp.New(ctx, opts...)
}

// TracerProvider returns the tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tracerProvider.Tracer(name)
}

// Meter returns a named meter.
func (p *Provider) Meter(name string) metric.Meter {
	return p.meterProvider.Meter(name)
}

// PrometheusHandler returns the scrape handler, or nil when not configured.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}

// Shutdown flushes and stops all configured providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown failed: %v", errs)
	}
	return nil
}
