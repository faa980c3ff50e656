// Package otel installs the OpenTelemetry SDK for the process: OTLP push,
// stdout debugging exporters and a Prometheus reader whose registry is
// served on /metrics.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/poolscaler/internal/buildinfo"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push of traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Insecure enables plain HTTP for OTLP export.
	Insecure bool

	// StdOut also prints traces and metrics to stdout.
	StdOut bool

	// Prometheus adds a pull reader served by Telemetry.MetricsHandler.
	Prometheus bool

	// ExportInterval is the push period for periodic metric readers.
	// Default: 10s.
	ExportInterval time.Duration
}

// Telemetry owns the providers Setup installed globally.
type Telemetry struct {
	registry  *prometheus.Registry
	shutdowns []func(context.Context) error
}

// Setup installs global tracer and meter providers for serviceName.  Traces
// need cfg.Enabled; metrics are collected when cfg.Enabled or
// cfg.Prometheus is set.  Call Shutdown to flush exporters.
func Setup(ctx context.Context, serviceName string, cfg Config) (*Telemetry, error) {
	if cfg.ExportInterval == 0 {
		cfg.ExportInterval = 10 * time.Second
	}

	res, err := newResource(serviceName)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	t := &Telemetry{}
	if cfg.Enabled {
		tp, err := newTracerProvider(ctx, res, cfg)
		if err != nil {
			return nil, errors.Join(err, t.Shutdown(ctx))
		}
		t.shutdowns = append(t.shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	readers, err := t.metricReaders(ctx, cfg)
	if err != nil {
		return nil, errors.Join(err, t.Shutdown(ctx))
	}
	if len(readers) > 0 {
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, sdkmetric.WithReader(r))
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		t.shutdowns = append(t.shutdowns, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}
	return t, nil
}

// newResource describes this process.  The semconv import must track the
// schema version the sdk's default resource uses, or Merge fails.
func newResource(serviceName string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
			attribute.String("service.commit", buildinfo.Commit),
		),
	)
}

// Shutdown flushes and stops every installed provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	for _, fn := range t.shutdowns {
		err = errors.Join(err, fn(ctx))
	}
	t.shutdowns = nil
	return err
}

// MetricsHandler serves the Prometheus registry, or 404 when the
// Prometheus reader is off.
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

func newTracerProvider(ctx context.Context, res *resource.Resource, cfg Config) (*sdktrace.TracerProvider, error) {
	var opts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	otlp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(otlp, sdktrace.WithBatchTimeout(time.Second)),
	}
	if cfg.StdOut {
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(stdout, sdktrace.WithBatchTimeout(time.Second)))
	}
	return sdktrace.NewTracerProvider(tpOpts...), nil
}

// metricReaders builds one reader per enabled sink.  The Prometheus
// reader registers into a fresh registry that also carries the Go runtime
// and process collectors.
func (t *Telemetry) metricReaders(ctx context.Context, cfg Config) ([]sdkmetric.Reader, error) {
	var readers []sdkmetric.Reader

	if cfg.Enabled {
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		otlp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlp, sdkmetric.WithInterval(cfg.ExportInterval)))
	}

	if cfg.StdOut && (cfg.Enabled || cfg.Prometheus) {
		stdout, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(stdout, sdkmetric.WithInterval(cfg.ExportInterval)))
	}

	if cfg.Prometheus {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		t.registry = reg
		readers = append(readers, exp)
	}
	return readers, nil
}
