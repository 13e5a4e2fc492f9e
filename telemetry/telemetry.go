// Package telemetry installs the OpenTelemetry providers used by the conn
// and session instruments and serves metrics for Prometheus.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
)

var ErrUnknownExporter = errors.New("unknown exporter")

type Config struct {
	ServiceName    string
	ServiceVersion string
	// Metrics is "none" or "prometheus".
	Metrics string
	// Traces is "none" or "log"; "log" writes finished spans to the debug log.
	Traces string
}

// Provider holds what Init installed.
type Provider struct {
	handler   http.Handler
	shutdowns []func(context.Context) error
}

// Init installs global tracer and meter providers per cfg. The returned
// Provider must be shut down to flush them.
func Init(cfg Config) (*Provider, error) {
	p := &Provider{}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	switch cfg.Traces {
	case "", "none":
	case "log":
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(spanLogger{}),
		)
		otel.SetTracerProvider(tp)
		p.shutdowns = append(p.shutdowns, tp.Shutdown)
	default:
		return nil, fmt.Errorf("%w: traces %q", ErrUnknownExporter, cfg.Traces)
	}

	switch cfg.Metrics {
	case "", "none":
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(mp)
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
		p.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	default:
		return nil, fmt.Errorf("%w: metrics %q", ErrUnknownExporter, cfg.Metrics)
	}
	return p, nil
}

// Handler serves the metrics registry, nil when metrics are disabled.
func (p *Provider) Handler() http.Handler { return p.handler }

func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Serve exposes /metrics on addr until ctx ends. It returns immediately when
// metrics are disabled.
func (p *Provider) Serve(ctx context.Context, addr string) error {
	if p.handler == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	logging.Logger.Info("Serving metrics", "address", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

// spanLogger writes finished spans to the debug log.
type spanLogger struct{}

func (spanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (spanLogger) OnEnd(s sdktrace.ReadOnlySpan) {
	args := []any{
		"span", s.Name(),
		"duration", s.EndTime().Sub(s.StartTime()),
		"status", s.Status().Code.String(),
	}
	for _, kv := range s.Attributes() {
		args = append(args, string(kv.Key), kv.Value.Emit())
	}
	logging.Logger.Debug("Span finished", args...)
}

func (spanLogger) Shutdown(context.Context) error { return nil }

func (spanLogger) ForceFlush(context.Context) error { return nil }
