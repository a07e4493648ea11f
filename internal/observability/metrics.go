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

const namespace = "quickclean_notifier"

// Failure reasons used as the reason label of emails_failed_total.
const (
	ReasonTransient = "transient"
	ReasonPermanent = "permanent"
	ReasonRateLimit = "rate_limit"
)

// Metrics stores Prometheus collectors used by the API, the delivery engine
// and the retry scheduler.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDuration          *prometheus.HistogramVec
	emailsSentTotal              *prometheus.CounterVec
	emailsFailedTotal            *prometheus.CounterVec
	emailsPermanentlyFailedTotal *prometheus.CounterVec
	retryScheduledTotal          *prometheus.CounterVec
	emailSendDuration            *prometheus.HistogramVec
	retryTickDuration            prometheus.Histogram
	retryTickDue                 prometheus.Gauge
	retryTickFailuresTotal       prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		emailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_sent_total",
				Help:      "Total number of emails delivered, by kind and whether the send was a retry.",
			},
			[]string{"kind", "retry"},
		),
		emailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_failed_total",
				Help:      "Total number of failed delivery attempts by kind and reason.",
			},
			[]string{"kind", "reason"},
		),
		emailsPermanentlyFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_permanently_failed_total",
				Help:      "Total number of email records that exhausted their retries.",
			},
			[]string{"kind"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of email records scheduled for another attempt.",
			},
			[]string{"kind"},
		),
		emailSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "email_send_duration_seconds",
				Help:      "Transport send duration in seconds grouped by kind.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"kind"},
		),
		retryTickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_tick_duration_seconds",
				Help:      "Wall time of one retry scheduler tick.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		retryTickDue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "retry_tick_due_records",
				Help:      "Number of due records picked up by the last retry tick.",
			},
		),
		retryTickFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_tick_failures_total",
				Help:      "Total number of retry ticks whose due-record query failed.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.emailsSentTotal,
		m.emailsFailedTotal,
		m.emailsPermanentlyFailedTotal,
		m.retryScheduledTotal,
		m.emailSendDuration,
		m.retryTickDuration,
		m.retryTickDue,
		m.retryTickFailuresTotal,
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
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncEmailSent(kind string, retry bool) {
	if m == nil {
		return
	}
	m.emailsSentTotal.WithLabelValues(normalizeLabel(kind), strconv.FormatBool(retry)).Inc()
}

func (m *Metrics) IncEmailFailed(kind string, reason string) {
	if m == nil {
		return
	}
	m.emailsFailedTotal.WithLabelValues(normalizeLabel(kind), normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncEmailPermanentlyFailed(kind string) {
	if m == nil {
		return
	}
	m.emailsPermanentlyFailedTotal.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (m *Metrics) IncRetryScheduled(kind string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (m *Metrics) ObserveEmailSendDuration(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.emailSendDuration.WithLabelValues(normalizeLabel(kind)).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) ObserveRetryTick(due int, duration time.Duration) {
	if m == nil {
		return
	}
	m.retryTickDue.Set(float64(due))
	m.retryTickDuration.Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncRetryTickFailure() {
	if m == nil {
		return
	}
	m.retryTickFailuresTotal.Inc()
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
