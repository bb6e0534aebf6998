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

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/solves/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures, by error kind
// - Saturation: Drives in progress, queue depth, dropped notifications
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration        metric.Float64Histogram
	JobsSubmitted      metric.Int64Counter
	JobsCompleted      metric.Int64Counter
	JobErrorsTotal     metric.Int64Counter
	DrivesActive       metric.Int64UpDownCounter
	DriveAttemptsTotal metric.Int64Counter
	QueueSize          metric.Int64Gauge

	// Solver metrics (Latency, Traffic, Errors)
	SolverRequestDuration metric.Float64Histogram
	SolverErrorsTotal     metric.Int64Counter

	// Notifier metrics (Saturation)
	NotifierDropped     metric.Int64Counter
	NotifierSubscribers metric.Int64UpDownCounter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherSuperseded metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("vrp-orchestrator")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from first drive attempt to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of jobs that reached a terminal state"),
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

	m.DrivesActive, err = meter.Int64UpDownCounter(
		"job_drives_active",
		metric.WithDescription("Number of jobs currently being driven (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DriveAttemptsTotal, err = meter.Int64Counter(
		"job_drive_attempts_total",
		metric.WithDescription("Total drive attempts by outcome error kind"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueSize, err = meter.Int64Gauge(
		"job_queue_size",
		metric.WithDescription("Current number of jobs waiting for a worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Solver metrics
	m.SolverRequestDuration, err = meter.Float64Histogram(
		"solver_request_duration_seconds",
		metric.WithDescription("Solver round trip latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SolverErrorsTotal, err = meter.Int64Counter(
		"solver_errors_total",
		metric.WithDescription("Total solver requests that failed or returned a non-2xx status"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifierDropped, err = meter.Int64Counter(
		"notifier_dropped_total",
		metric.WithDescription("Total snapshots dropped from full subscriber buffers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierSubscribers, err = meter.Int64UpDownCounter(
		"notifier_subscribers",
		metric.WithDescription("Current number of status subscribers"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherSuperseded, err = meter.Int64Counter(
		"dispatcher_superseded_total",
		metric.WithDescription("Total status events skipped because a newer one was queued"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a new job being submitted.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, problemType string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(problemTypeAttr(problemType)))
}

// RecordDriveStarted records a drive taking a job.
func (m *Metrics) RecordDriveStarted(ctx context.Context) {
	m.DrivesActive.Add(ctx, 1)
}

// RecordDriveFinished records a drive releasing a job.
func (m *Metrics) RecordDriveFinished(ctx context.Context) {
	m.DrivesActive.Add(ctx, -1)
}

// RecordDriveAttempt records the outcome of one drive attempt. kind is
// "none" for a successful attempt.
func (m *Metrics) RecordDriveAttempt(ctx context.Context, kind string) {
	m.DriveAttemptsTotal.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordJobCompleted records a job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, problemType string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(problemTypeAttr(problemType), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsCompleted.Add(ctx, 1, attrs)

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordQueueSize records the current job queue depth.
func (m *Metrics) RecordQueueSize(ctx context.Context, size int64) {
	m.QueueSize.Record(ctx, size)
}

// RecordSolverRequest records one solver round trip. statusCode is 0 when
// no response was received.
func (m *Metrics) RecordSolverRequest(ctx context.Context, op string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(opAttr(op), statusAttr(statusCode))
	m.SolverRequestDuration.Record(ctx, durationSeconds, attrs)

	if statusCode < 200 || statusCode > 299 {
		m.SolverErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordNotifierDropped records a snapshot evicted from a subscriber buffer.
func (m *Metrics) RecordNotifierDropped(ctx context.Context) {
	m.NotifierDropped.Add(ctx, 1)
}

// RecordNotifierSubscribers records subscribers joining (+) or leaving (-).
func (m *Metrics) RecordNotifierSubscribers(ctx context.Context, delta int64) {
	m.NotifierSubscribers.Add(ctx, delta)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherSuperseded records a status event skipped for a newer one.
func (m *Metrics) RecordDispatcherSuperseded(ctx context.Context) {
	m.DispatcherSuperseded.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
