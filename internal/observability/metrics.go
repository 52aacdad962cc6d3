package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "alert_dispatch"

// Metrics stores Prometheus collectors used by API, intake and dispatch flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	eventsSubmittedTotal  *prometheus.CounterVec
	dispatchOutcomesTotal *prometheus.CounterVec
	transportSendDuration *prometheus.HistogramVec
	dispatchInflight      *prometheus.GaugeVec
	retryScheduledTotal   *prometheus.CounterVec
	deadLetteredTotal     *prometheus.CounterVec
	pendingRetries        prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		eventsSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_submitted_total",
				Help:      "Total number of events offered to intake grouped by topic and result.",
			},
			[]string{"topic", "result"},
		),
		dispatchOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_outcomes_total",
				Help:      "Total number of dispatcher invocations grouped by topic and outcome.",
			},
			[]string{"topic", "outcome"},
		),
		transportSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "transport_send_duration_seconds",
				Help:      "Push transport call duration in seconds grouped by topic.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"topic"},
		),
		dispatchInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_inflight",
				Help:      "Current number of in-flight transport calls grouped by topic.",
			},
			[]string{"topic"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of events scheduled for retry.",
			},
			[]string{"topic"},
		),
		deadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dead_lettered_total",
				Help:      "Total number of events moved to the dead-letter sink grouped by topic and reason.",
			},
			[]string{"topic", "reason"},
		),
		pendingRetries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "pending_retries",
				Help:      "Current number of armed retry timers in this process.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.eventsSubmittedTotal,
		m.dispatchOutcomesTotal,
		m.transportSendDuration,
		m.dispatchInflight,
		m.retryScheduledTotal,
		m.deadLetteredTotal,
		m.pendingRetries,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncEventSubmitted(topic string, result string) {
	if m == nil {
		return
	}
	m.eventsSubmittedTotal.WithLabelValues(normalizeLabel(topic), normalizeLabel(result)).Inc()
}

func (m *Metrics) IncDispatchOutcome(topic string, outcome string) {
	if m == nil {
		return
	}
	m.dispatchOutcomesTotal.WithLabelValues(normalizeLabel(topic), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveTransportSendDuration(topic string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.transportSendDuration.WithLabelValues(normalizeLabel(topic)).Observe(seconds)
}

func (m *Metrics) IncDispatchInFlight(topic string) {
	if m == nil {
		return
	}
	m.dispatchInflight.WithLabelValues(normalizeLabel(topic)).Inc()
}

func (m *Metrics) DecDispatchInFlight(topic string) {
	if m == nil {
		return
	}
	m.dispatchInflight.WithLabelValues(normalizeLabel(topic)).Dec()
}

func (m *Metrics) IncRetryScheduled(topic string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(topic)).Inc()
}

func (m *Metrics) IncDeadLettered(topic string, reason string) {
	if m == nil {
		return
	}
	m.deadLetteredTotal.WithLabelValues(normalizeLabel(topic), normalizeLabel(reason)).Inc()
}

func (m *Metrics) SetPendingRetries(n int) {
	if m == nil {
		return
	}
	m.pendingRetries.Set(float64(n))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
