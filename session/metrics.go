package session

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("understand.lsp.session")
	meter  = otel.Meter("understand.lsp.session")
)

var (
	handshakes  metric.Int64Counter
	restarts    metric.Int64Counter
	disconnects metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		handshakes, err = meter.Int64Counter(
			"understand_lsp_handshakes_total",
			metric.WithDescription("Initialize handshakes by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		restarts, err = meter.Int64Counter(
			"understand_lsp_restarts_total",
			metric.WithDescription("Session restarts requested"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		disconnects, err = meter.Int64Counter(
			"understand_lsp_disconnects_total",
			metric.WithDescription("Sessions ended by the server or the transport"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHandshake(ctx context.Context, ok bool) {
	if initMetrics() != nil {
		return
	}
	handshakes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
}

func recordRestart(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	restarts.Add(ctx, 1)
}

func recordDisconnect(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	disconnects.Add(ctx, 1)
}
