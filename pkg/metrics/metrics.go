// Package metrics provides metrics collection capabilities for the application.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the application.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// Common metrics
	RequestCount        *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RequestInFlight     *prometheus.GaugeVec
	ErrorCount          *prometheus.CounterVec
	ServiceUptime       prometheus.Gauge
	ServiceLastStarted  prometheus.Gauge
	DependencyUp        *prometheus.GaugeVec
	DependencyLatency   *prometheus.HistogramVec
	DependencyErrorRate *prometheus.CounterVec

	// Submission metrics
	SubmissionCount    *prometheus.CounterVec
	SubmissionDuration *prometheus.HistogramVec
	SubmissionInFlight *prometheus.GaugeVec
	SubmissionRetries  *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec

	// Nonce metrics
	NonceOutstanding  *prometheus.GaugeVec
	NoncePoisoned     *prometheus.GaugeVec
	NonceReservations *prometheus.CounterVec

	// Endpoint metrics
	EndpointLatency *prometheus.HistogramVec
	EndpointErrors  *prometheus.CounterVec

	// Alert metrics
	AlertCount *prometheus.CounterVec
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for all metrics.
	Subsystem string
	// ServiceName is the name of the service that is collecting metrics.
	ServiceName string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "txpilot",
		Subsystem:   "",
		ServiceName: "txpilot",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		// Common metrics
		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_total",
				Help:      "Total number of requests received",
			},
			[]string{"service", "method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method", "path"},
		),

		RequestInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
			[]string{"service"},
		),

		ErrorCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type", "code"},
		),

		ServiceUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_uptime_seconds",
				Help:      "Service uptime in seconds",
				ConstLabels: prometheus.Labels{
					"service": cfg.ServiceName,
				},
			},
		),

		ServiceLastStarted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_last_started_timestamp",
				Help:      "Timestamp when the service was last started",
				ConstLabels: prometheus.Labels{
					"service": cfg.ServiceName,
				},
			},
		),

		DependencyUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_up",
				Help:      "Whether the dependency is up (1) or down (0)",
			},
			[]string{"service", "dependency"},
		),

		DependencyLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_latency_seconds",
				Help:      "Dependency request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "dependency", "operation"},
		),

		DependencyErrorRate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_errors_total",
				Help:      "Total number of dependency errors",
			},
			[]string{"service", "dependency", "operation"},
		),

		// Submission metrics
		SubmissionCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "submission",
				Name:      "total",
				Help:      "Total number of submissions by terminal outcome",
			},
			[]string{"chain", "outcome"},
		),

		SubmissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "submission",
				Name:      "duration_seconds",
				Help:      "Submission intake-to-terminal duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"chain", "outcome"},
		),

		SubmissionInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "submission",
				Name:      "in_flight",
				Help:      "Current number of submissions inside the pipeline",
			},
			[]string{"chain"},
		),

		SubmissionRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "submission",
				Name:      "retries_total",
				Help:      "Total number of stage retries",
			},
			[]string{"chain", "stage"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "submission",
				Name:      "queue_depth",
				Help:      "Current intake queue depth",
			},
			[]string{"chain"},
		),

		// Nonce metrics
		NonceOutstanding: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "nonce",
				Name:      "outstanding",
				Help:      "Currently outstanding sequence reservations",
			},
			[]string{"chain"},
		),

		NoncePoisoned: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "nonce",
				Name:      "poisoned_slots",
				Help:      "Slots refusing reservations pending reconciliation",
			},
			[]string{"chain"},
		),

		NonceReservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "nonce",
				Name:      "reservations_total",
				Help:      "Total sequence reservations handed out",
			},
			[]string{"chain"},
		),

		// Endpoint metrics
		EndpointLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "endpoint",
				Name:      "latency_seconds",
				Help:      "Chain endpoint call latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"chain", "operation"},
		),

		EndpointErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "endpoint",
				Name:      "errors_total",
				Help:      "Total chain endpoint call errors",
			},
			[]string{"chain", "operation"},
		),

		// Alert metrics
		AlertCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "alert",
				Name:      "total",
				Help:      "Total alerts sent by level",
			},
			[]string{"level", "status"},
		),
	}

	// Set initial values
	m.ServiceLastStarted.Set(float64(time.Now().Unix()))

	return m
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the service uptime metric.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.ServiceUptime.Set(time.Since(startTime).Seconds())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(service, method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(service, method, path, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error metric.
func (m *Metrics) RecordError(service, errorType, errorCode string) {
	m.ErrorCount.WithLabelValues(service, errorType, errorCode).Inc()
}

// RecordDependencyStatus records the status of a dependency.
func (m *Metrics) RecordDependencyStatus(service, dependency string, up bool) {
	var value float64
	if up {
		value = 1
	}
	m.DependencyUp.WithLabelValues(service, dependency).Set(value)
}

// RecordDependencyLatency records the latency of a dependency operation.
func (m *Metrics) RecordDependencyLatency(service, dependency, operation string, duration time.Duration) {
	m.DependencyLatency.WithLabelValues(service, dependency, operation).Observe(duration.Seconds())
}

// RecordDependencyError records an error with a dependency.
func (m *Metrics) RecordDependencyError(service, dependency, operation string) {
	m.DependencyErrorRate.WithLabelValues(service, dependency, operation).Inc()
}

// RecordSubmission records a submission reaching a terminal outcome.
func (m *Metrics) RecordSubmission(chain, outcome string, duration time.Duration) {
	m.SubmissionCount.WithLabelValues(chain, outcome).Inc()
	m.SubmissionDuration.WithLabelValues(chain, outcome).Observe(duration.Seconds())
}

// RecordSubmissionRetry records a retried pipeline stage.
func (m *Metrics) RecordSubmissionRetry(chain, stage string) {
	m.SubmissionRetries.WithLabelValues(chain, stage).Inc()
}

// SetSubmissionsInFlight records the number of submissions in the pipeline.
func (m *Metrics) SetSubmissionsInFlight(chain string, n float64) {
	m.SubmissionInFlight.WithLabelValues(chain).Set(n)
}

// SetQueueDepth records the chain's intake queue depth.
func (m *Metrics) SetQueueDepth(chain string, n float64) {
	m.QueueDepth.WithLabelValues(chain).Set(n)
}

// SetNonceOutstanding records outstanding reservations for a chain.
func (m *Metrics) SetNonceOutstanding(chain string, n float64) {
	m.NonceOutstanding.WithLabelValues(chain).Set(n)
}

// SetNoncePoisoned records poisoned slots for a chain.
func (m *Metrics) SetNoncePoisoned(chain string, n float64) {
	m.NoncePoisoned.WithLabelValues(chain).Set(n)
}

// RecordNonceReservation counts a handed-out reservation.
func (m *Metrics) RecordNonceReservation(chain string) {
	m.NonceReservations.WithLabelValues(chain).Inc()
}

// RecordEndpointCall records an endpoint call's latency and outcome.
func (m *Metrics) RecordEndpointCall(chain, operation string, duration time.Duration, err bool) {
	m.EndpointLatency.WithLabelValues(chain, operation).Observe(duration.Seconds())
	if err {
		m.EndpointErrors.WithLabelValues(chain, operation).Inc()
	}
}

// RecordAlert records an alert delivery attempt.
func (m *Metrics) RecordAlert(level string, ok bool) {
	status := "sent"
	if !ok {
		status = "failed"
	}
	m.AlertCount.WithLabelValues(level, status).Inc()
}
