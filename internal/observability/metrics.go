package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the recorders below.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Metrics owns a private prometheus registry for one service process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpErrors      *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	brokerPublished *prometheus.CounterVec
	brokerConsumed  *prometheus.CounterVec
	rpcCalls        *prometheus.CounterVec
	rpcLatency      *prometheus.HistogramVec
	rpcPending      prometheus.Gauge
	fanout          *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	emails          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
}

// NewMetrics registers every collector under the given service label.
func NewMetrics(service string) *Metrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "helpdesk_http_requests_total",
			Help:        "HTTP requests served.",
			ConstLabels: constLabels,
		}, []string{"path", "method", "status"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "helpdesk_http_errors_total",
			Help:        "HTTP requests that ended with a domain error.",
			ConstLabels: constLabels,
		}, []string{"path", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "helpdesk_http_request_duration_seconds",
			Help:        "HTTP request latency.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
		brokerPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "helpdesk_broker_published_total",
			Help:        "Messages handed to the broker.",
			ConstLabels: constLabels,
		}, []string{"topic", "result"}),
		brokerConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "helpdesk_broker_consumed_total",
			Help:        "Inbound messages processed.",
			ConstLabels: constLabels,
		}, []string{"topic", "result"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "helpdesk_rpc_calls_total",
			Help:        "Request/reply calls by outcome.",
			ConstLabels: constLabels,
		}, []string{"remote", "topic", "outcome"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "helpdesk_rpc_call_duration_seconds",
			Help:        "Request/reply round trip latency.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"remote", "topic"}),
		rpcPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "helpdesk_rpc_pending_calls",
			Help:        "Calls waiting for a reply.",
			ConstLabels: constLabels,
		}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "helpdesk_event_deliveries_total",
			Help:        "Per subscriber event publications.",
			ConstLabels: constLabels,
		}, []string{"event", "subscriber", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "helpdesk_notifications_total",
			Help:        "Notification rows created or suppressed as duplicates.",
			ConstLabels: constLabels,
		}, []string{"type", "result"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "helpdesk_notification_emails_total",
			Help:        "Email delivery attempts.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "helpdesk_ticket_transitions_total",
			Help:        "Ticket status transitions by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpErrors, m.httpDuration,
		m.brokerPublished, m.brokerConsumed,
		m.rpcCalls, m.rpcLatency, m.rpcPending,
		m.fanout, m.notifications, m.emails, m.transitions,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.httpErrors.WithLabelValues(path, method, code).Inc()
}

func (m *Metrics) RecordPublish(topic string, err error) {
	if m == nil {
		return
	}
	m.brokerPublished.WithLabelValues(topic, resultOf(err)).Inc()
}

func (m *Metrics) RecordConsume(topic string, err error) {
	if m == nil {
		return
	}
	m.brokerConsumed.WithLabelValues(topic, resultOf(err)).Inc()
}

// RecordCall tracks one finished request/reply call.
func (m *Metrics) RecordCall(remote, topic, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(remote, topic, outcome).Inc()
	m.rpcLatency.WithLabelValues(remote, topic).Observe(elapsed.Seconds())
}

func (m *Metrics) SetPendingCalls(n int) {
	if m == nil {
		return
	}
	m.rpcPending.Set(float64(n))
}

func (m *Metrics) RecordDelivery(event, subscriber string, err error) {
	if m == nil {
		return
	}
	m.fanout.WithLabelValues(event, subscriber, resultOf(err)).Inc()
}

func (m *Metrics) RecordNotification(kind string, created bool) {
	if m == nil {
		return
	}
	result := "created"
	if !created {
		result = "suppressed"
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordEmail(err error) {
	if m == nil {
		return
	}
	m.emails.WithLabelValues(resultOf(err)).Inc()
}

func (m *Metrics) RecordTransition(outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(outcome).Inc()
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
