package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics following the golden signals:
// - Latency: job, staging, and poll durations
// - Traffic: jobs and events processed
// - Errors: failed jobs, poll errors, dropped events
// - Saturation: jobs currently occupying admission slots
type Metrics struct {
	meter metric.Meter

	// Job metrics
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Staging metrics
	LocalizeDuration   metric.Float64Histogram
	StagedBytes        metric.Int64Counter
	DelocalizeDuration metric.Float64Histogram
	CollectWarnings    metric.Int64Counter

	// Backend metrics
	PollDuration      metric.Float64Histogram
	PollErrorsTotal   metric.Int64Counter
	ProvisionDuration metric.Float64Histogram

	// Notify metrics
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("sled")
	m := &Metrics{meter: meter}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job wall time from submission to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs reaching a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Jobs currently holding an admission slot (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LocalizeDuration, err = meter.Float64Histogram(
		"localize_duration_seconds",
		metric.WithDescription("Input staging duration per job"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StagedBytes, err = meter.Int64Counter(
		"staged_bytes_total",
		metric.WithDescription("Bytes copied or fetched into the staging tree"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DelocalizeDuration, err = meter.Float64Histogram(
		"delocalize_duration_seconds",
		metric.WithDescription("Output collection duration per job"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CollectWarnings, err = meter.Int64Counter(
		"collect_warnings_total",
		metric.WithDescription("Non-fatal output collection problems"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollDuration, err = meter.Float64Histogram(
		"poll_duration_seconds",
		metric.WithDescription("Backend poll round-trip duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollErrorsTotal, err = meter.Int64Counter(
		"poll_errors_total",
		metric.WithDescription("Backend poll transport errors"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProvisionDuration, err = meter.Float64Histogram(
		"provision_duration_seconds",
		metric.WithDescription("Cluster provisioning duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Event delivery duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Events delivered to the receiver"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Event deliveries that exhausted retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Events dropped due to a full buffer or open breaker"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordJobAdmitted records a job acquiring an admission slot.
func (m *Metrics) RecordJobAdmitted(ctx context.Context, backend string) {
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
}

// RecordJobTerminal records a job reaching a terminal state and releasing
// its slot.
func (m *Metrics) RecordJobTerminal(ctx context.Context, backend, state string, durationSeconds float64) {
	attrs := metric.WithAttributes(backendAttr(backend), stateAttr(state))
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(backendAttr(backend)))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	if state == "failed" {
		m.JobErrorsTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
	}
}

// RecordLocalize records one localization attempt.
func (m *Metrics) RecordLocalize(ctx context.Context, durationSeconds float64, bytes int64, success bool) {
	m.LocalizeDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(success)))
	if bytes > 0 {
		m.StagedBytes.Add(ctx, bytes)
	}
}

// RecordDelocalize records one output collection pass.
func (m *Metrics) RecordDelocalize(ctx context.Context, durationSeconds float64, warnings int) {
	m.DelocalizeDuration.Record(ctx, durationSeconds)
	if warnings > 0 {
		m.CollectWarnings.Add(ctx, int64(warnings))
	}
}

// RecordPoll records one backend poll round trip.
func (m *Metrics) RecordPoll(ctx context.Context, backend string, durationSeconds float64, err bool) {
	m.PollDuration.Record(ctx, durationSeconds, metric.WithAttributes(backendAttr(backend)))
	if err {
		m.PollErrorsTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
	}
}

// RecordProvision records a cluster start attempt.
func (m *Metrics) RecordProvision(ctx context.Context, backend string, durationSeconds float64, success bool) {
	m.ProvisionDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(backendAttr(backend), successAttr(success)))
}

// RecordNotifyDelivered records a successful event delivery.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed event delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}
