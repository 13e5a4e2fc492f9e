package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

var (
	tracer = otel.Tracer("understand.lsp.conn")
	meter  = otel.Meter("understand.lsp.conn")
)

var (
	framesTotal     metric.Int64Counter
	decodeErrors    metric.Int64Counter
	staleResponses  metric.Int64Counter
	requestLatency  metric.Float64Histogram
	pendingRequests metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		framesTotal, err = meter.Int64Counter(
			"understand_lsp_frames_total",
			metric.WithDescription("Decoded JSON-RPC frames by message kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		decodeErrors, err = meter.Int64Counter(
			"understand_lsp_decode_errors_total",
			metric.WithDescription("Frames dropped by the decoder"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		staleResponses, err = meter.Int64Counter(
			"understand_lsp_stale_responses_total",
			metric.WithDescription("Responses whose id matched no pending request"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestLatency, err = meter.Float64Histogram(
			"understand_lsp_request_duration_seconds",
			metric.WithDescription("Time from sending a request to its response"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pendingRequests, err = meter.Int64UpDownCounter(
			"understand_lsp_pending_requests",
			metric.WithDescription("Requests awaiting a response"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordFrame(ctx context.Context, role Role, kind transport.MessageKind) {
	if err := initMetrics(); err != nil {
		return
	}
	framesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role.String()),
		attribute.String("kind", kind.String()),
	))
}

func recordDecodeError(ctx context.Context, role Role, err error) {
	if initMetrics() != nil {
		return
	}
	reason := "invalid_header"
	switch {
	case errors.Is(err, transport.ErrFrameTooLarge):
		reason = "too_large"
	case errors.Is(err, transport.ErrMalformedJSON):
		reason = "malformed_json"
	}
	decodeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role.String()),
		attribute.String("reason", reason),
	))
}

func recordStaleResponse(ctx context.Context, role Role) {
	if initMetrics() != nil {
		return
	}
	staleResponses.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role.String())))
}

func recordPending(ctx context.Context, delta int64) {
	if initMetrics() != nil {
		return
	}
	pendingRequests.Add(ctx, delta)
}

func recordRequest(ctx context.Context, method string, duration time.Duration, success bool) {
	if initMetrics() != nil {
		return
	}
	requestLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	))
}
