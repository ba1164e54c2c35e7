package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatch_bot"

// Metrics stores Prometheus collectors used by the HTTP surface, the outbound stream and
// command dispatch.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	outboundMessagesTotal prometheus.Counter
	outboundFlushesTotal  prometheus.Counter
	throttleWaitsTotal    prometheus.Counter
	throttleWaitSeconds   prometheus.Histogram
	inboundMessagesTotal  *prometheus.CounterVec
	commandsTotal         *prometheus.CounterVec
	commandDuration       *prometheus.HistogramVec
	eventsPublishedTotal  *prometheus.CounterVec
	undeliveredTotal      prometheus.Counter

	outboundThrottled prometheus.GaugeFunc
	outboxDepth       prometheus.GaugeFunc
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
		outboundMessagesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_messages_total",
				Help:      "Total number of messages written to the chat connection.",
			},
		),
		outboundFlushesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_flushes_total",
				Help:      "Total number of flushes of the chat connection.",
			},
		),
		throttleWaitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttle_waits_total",
				Help:      "Total number of times the writer was suspended by the outbound window.",
			},
		),
		throttleWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "throttle_wait_seconds",
				Help:      "Time the writer spent suspended waiting for outbound capacity.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		inboundMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Total number of inbound events grouped by type.",
			},
			[]string{"type"},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of dispatched commands grouped by command and outcome.",
			},
			[]string{"command", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Plugin handling duration in seconds grouped by command.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"command"},
		),
		eventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of chat events exported to the broker grouped by outcome.",
			},
			[]string{"outcome"},
		),
		undeliveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_undelivered_total",
				Help:      "Total number of accepted outbound events given up at shutdown or after a transport failure.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.outboundMessagesTotal,
		m.outboundFlushesTotal,
		m.throttleWaitsTotal,
		m.throttleWaitSeconds,
		m.inboundMessagesTotal,
		m.commandsTotal,
		m.commandDuration,
		m.eventsPublishedTotal,
		m.undeliveredTotal,
	)

	return m
}

// RegisterOutboundState exposes the live write side: whether the stream is waiting for
// window capacity and how many events sit in the outbox. Call it once per connection.
func (m *Metrics) RegisterOutboundState(throttled func() bool, depth func() int) error {
	if m == nil {
		return nil
	}

	m.outboundThrottled = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_throttled",
			Help:      "1 while the outbound stream waits for rate limit capacity.",
		},
		func() float64 {
			if throttled() {
				return 1
			}
			return 0
		},
	)
	m.outboxDepth = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Number of outbound events queued for the writer.",
		},
		func() float64 { return float64(depth()) },
	)

	for _, c := range []prometheus.Collector{m.outboundThrottled, m.outboxDepth} {
		if err := m.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register outbound state gauge: %w", err)
		}
	}
	return nil
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

func (m *Metrics) IncOutboundMessages() {
	if m == nil {
		return
	}
	m.outboundMessagesTotal.Inc()
}

func (m *Metrics) IncOutboundFlushes() {
	if m == nil {
		return
	}
	m.outboundFlushesTotal.Inc()
}

func (m *Metrics) IncThrottleWaits() {
	if m == nil {
		return
	}
	m.throttleWaitsTotal.Inc()
}

func (m *Metrics) ObserveThrottleWait(duration time.Duration) {
	if m == nil {
		return
	}
	m.throttleWaitSeconds.Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) AddUndelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.undeliveredTotal.Add(float64(n))
}

func (m *Metrics) IncInboundMessage(eventType string) {
	if m == nil {
		return
	}
	m.inboundMessagesTotal.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *Metrics) ObserveCommand(command string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	commandLabel := normalizeLabel(command)
	m.commandsTotal.WithLabelValues(commandLabel, normalizeLabel(outcome)).Inc()
	m.commandDuration.WithLabelValues(commandLabel).Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) IncEventPublished(outcome string) {
	if m == nil {
		return
	}
	m.eventsPublishedTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
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

func nonNegativeSeconds(duration time.Duration) float64 {
	seconds := duration.Seconds()
	if seconds < 0 {
		return 0
	}
	return seconds
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
