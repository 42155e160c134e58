package observability

import (
	"context"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the application's instruments. All methods are safe on a
// nil receiver so components can run without metrics in tests.
type Metrics struct {
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter
	HTTPRateLimited     metric.Int64Counter

	JobsScheduled metric.Int64Counter
	JobsRejected  metric.Int64Counter
	JobsStarted   metric.Int64Counter
	JobsStopped   metric.Int64Counter
	JobsFinished  metric.Int64Counter
	JobsCancelled metric.Int64Counter
	JobsRunning   metric.Int64UpDownCounter
	JobDuration   metric.Float64Histogram

	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates the instruments on a dedicated Prometheus registry and
// returns the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := prom.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newInstruments(provider.Meter("jobscheduler"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func newInstruments(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counter := func(dst *metric.Int64Counter, name, desc string) {
		if err == nil {
			*dst, err = meter.Int64Counter(name, metric.WithDescription(desc))
		}
	}
	histogram := func(dst *metric.Float64Histogram, name, desc string, bounds ...float64) {
		if err == nil {
			*dst, err = meter.Float64Histogram(name,
				metric.WithDescription(desc),
				metric.WithUnit("s"),
				metric.WithExplicitBucketBoundaries(bounds...))
		}
	}

	histogram(&m.HTTPRequestDuration, "http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)
	counter(&m.HTTPRequestsTotal, "http_requests_total", "Total number of HTTP requests")
	counter(&m.HTTPErrorsTotal, "http_errors_total", "Total number of HTTP errors (4xx and 5xx)")
	counter(&m.HTTPRateLimited, "http_rate_limited_total", "Requests rejected by the API rate limiter")

	counter(&m.JobsScheduled, "jobs_scheduled_total", "Jobs accepted by the scheduler")
	counter(&m.JobsRejected, "jobs_rejected_total", "Job submissions rejected")
	counter(&m.JobsStarted, "jobs_started_total", "Job attempts started")
	counter(&m.JobsStopped, "jobs_stopped_total", "Job attempts stopped before finishing")
	counter(&m.JobsFinished, "jobs_finished_total", "Job attempts that reported completion")
	counter(&m.JobsCancelled, "jobs_cancelled_total", "Jobs cancelled by callers")
	histogram(&m.JobDuration, "job_duration_seconds", "Duration of finished job attempts in seconds",
		0.1, 0.5, 1, 5, 10, 30, 60, 300, 900)
	if err == nil {
		m.JobsRunning, err = meter.Int64UpDownCounter("jobs_running",
			metric.WithDescription("Job attempts currently running (saturation)"))
	}

	histogram(&m.DispatcherDuration, "dispatcher_duration_seconds", "Callback delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	counter(&m.DispatcherDelivered, "dispatcher_delivered_total", "Callback events delivered")
	counter(&m.DispatcherFailed, "dispatcher_failed_total", "Callback events failed after retries")
	counter(&m.DispatcherDropped, "dispatcher_dropped_total", "Callback events dropped (buffer full or max requeues)")
	counter(&m.DispatcherRequeued, "dispatcher_requeued_total", "Callback events requeued due to open circuit")
	if err == nil {
		m.DispatcherQueueSize, err = meter.Int64Gauge("dispatcher_queue_size",
			metric.WithDescription("Events waiting in the dispatcher queue (saturation)"))
	}

	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.HTTPRateLimited.Add(ctx, 1, metric.WithAttributes(pathAttr(path)))
}

// RecordJobScheduled records an accepted submission.
func (m *Metrics) RecordJobScheduled(ctx context.Context, service string) {
	if m == nil {
		return
	}
	m.JobsScheduled.Add(ctx, 1, WithService(service))
}

// RecordJobRejected records a rejected submission. reason is "validation",
// "capacity", "not_found" or "internal".
func (m *Metrics) RecordJobRejected(ctx context.Context, service, reason string) {
	if m == nil {
		return
	}
	m.JobsRejected.Add(ctx, 1, metric.WithAttributes(serviceAttr(service), reasonAttr(reason)))
}

// RecordJobStarted records an attempt start. forced is set when the
// override deadline started it.
func (m *Metrics) RecordJobStarted(ctx context.Context, service string, forced bool) {
	if m == nil {
		return
	}
	m.JobsStarted.Add(ctx, 1, metric.WithAttributes(serviceAttr(service), attribute.Bool(attrForced, forced)))
	m.JobsRunning.Add(ctx, 1, WithService(service))
}

// RecordJobStopped records a stop signal delivered to a running attempt.
func (m *Metrics) RecordJobStopped(ctx context.Context, service, reason string) {
	if m == nil {
		return
	}
	m.JobsStopped.Add(ctx, 1, metric.WithAttributes(serviceAttr(service), reasonAttr(reason)))
	m.JobsRunning.Add(ctx, -1, WithService(service))
}

// RecordJobFinished records a completion report from a running attempt.
func (m *Metrics) RecordJobFinished(ctx context.Context, service string, reschedule bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(serviceAttr(service), attribute.Bool(attrReschedule, reschedule))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsRunning.Add(ctx, -1, WithService(service))
}

// RecordJobCancelled records a cancellation of a known job.
func (m *Metrics) RecordJobCancelled(ctx context.Context, service string) {
	if m == nil {
		return
	}
	m.JobsCancelled.Add(ctx, 1, WithService(service))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}
