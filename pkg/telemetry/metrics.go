package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	sessionCounter       metric.Int64Counter
	capturedBytesCounter metric.Int64Counter
	truncatedBodyCounter metric.Int64Counter
	failedSubmitCounter  metric.Int64Counter
	sessionDurationHisto metric.Float64Histogram
)

// TapSessionMetrics captures the summary of one closed tap session.
type TapSessionMetrics struct {
	Kind              string
	Sink              string
	Format            string
	Duration          time.Duration
	CapturedBytes     int
	TruncatedBodies   int
	Submissions       int
	FailedSubmissions int
}

// RecordTapSession emits counters and histograms that describe a finished tap session.
func RecordTapSession(ctx context.Context, metrics TapSessionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("tap.kind", metrics.Kind),
		attribute.String("tap.sink", metrics.Sink),
		attribute.String("tap.format", metrics.Format),
	)

	sessionCounter.Add(ctx, 1, attrs)

	if metrics.Duration > 0 {
		sessionDurationHisto.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), attrs)
	}

	if metrics.CapturedBytes > 0 {
		capturedBytesCounter.Add(ctx, int64(metrics.CapturedBytes), attrs)
	}

	if metrics.TruncatedBodies > 0 {
		truncatedBodyCounter.Add(ctx, int64(metrics.TruncatedBodies), attrs)
	}

	if metrics.FailedSubmissions > 0 {
		failedSubmitCounter.Add(ctx, int64(metrics.FailedSubmissions), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.tap")

		sessionCounter, metricsInitErr = meter.Int64Counter(
			"tap.sessions_total",
			metric.WithDescription("Closed tap sessions partitioned by trace kind and sink"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		capturedBytesCounter, metricsInitErr = meter.Int64Counter(
			"tap.captured_bytes_total",
			metric.WithDescription("Body bytes captured into traces"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		truncatedBodyCounter, metricsInitErr = meter.Int64Counter(
			"tap.truncated_bodies_total",
			metric.WithDescription("Bodies cut short by the buffered byte budget"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		failedSubmitCounter, metricsInitErr = meter.Int64Counter(
			"tap.failed_submissions_total",
			metric.WithDescription("Trace submissions that failed or were dropped"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sessionDurationHisto, metricsInitErr = meter.Float64Histogram(
			"tap.session.duration_ms",
			metric.WithDescription("Observed tap session lifetime"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordTapMatch marks the span of a request or connection with the tap decision.
func RecordTapMatch(span trace.Span, extensionID string, matched bool, traceID uint64) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tap.extension", extensionID),
		attribute.Bool("tap.matched", matched),
	}
	if matched {
		attrs = append(attrs, attribute.Int64("tap.trace_id", int64(traceID)))
	}

	span.AddEvent("tap.decision", trace.WithAttributes(attrs...))
}
