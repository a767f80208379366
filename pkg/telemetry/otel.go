package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Options describes the process being instrumented
type Options struct {
	Service string
	Version string
	// Bots lists the grid instances hosted by the process
	Bots []string

	StdoutTraces bool
	StdoutLogs   bool
	// SampleRatio is the fraction of root spans kept; 0 keeps all
	SampleRatio float64
}

// Telemetry owns the global providers and the registry scraped on /metrics
type Telemetry struct {
	registry *prometheus.Registry
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	lp       *sdklog.LoggerProvider
}

// Setup installs global trace, metric and log providers. Metrics are
// exported to a private Prometheus registry together with the Go runtime
// and process collectors.
func Setup(opts Options) (*Telemetry, error) {
	service := opts.Service
	if service == "" {
		service = "gridmaker"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.Version))
	}
	if len(opts.Bots) > 0 {
		attrs = append(attrs, attribute.StringSlice("gridmaker.bots", opts.Bots))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	t := &Telemetry{registry: prometheus.NewRegistry()}
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	t.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res))
	otel.SetMeterProvider(t.mp)

	sampler := sdktrace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(opts.SampleRatio)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if opts.StdoutTraces {
		spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(spans))
	}
	t.tp = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(t.tp)

	lpOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if opts.StdoutLogs {
		records, err := stdoutlog.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create log exporter: %w", err)
		}
		lpOpts = append(lpOpts, sdklog.WithProcessor(sdklog.NewBatchProcessor(records)))
	}
	t.lp = sdklog.NewLoggerProvider(lpOpts...)
	global.SetLoggerProvider(t.lp)

	return t, nil
}

// MetricsHandler serves the registry in the Prometheus text format
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Shutdown flushes pending spans and records, then stops the providers
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		wrap("trace", t.tp.Shutdown(ctx)),
		wrap("meter", t.mp.Shutdown(ctx)),
		wrap("log", t.lp.Shutdown(ctx)),
	)
}

func wrap(provider string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s provider shutdown: %w", provider, err)
}

// GetMeter returns a meter from the global provider
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer from the global provider
func GetTracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
