package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "remote_clauding"

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	httpReqCnt   *prometheus.CounterVec
	httpDur      *prometheus.HistogramVec
	sessions     prometheus.Gauge
	connections  *prometheus.GaugeVec
	messagesIn   *prometheus.CounterVec
	messagesOut  *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	pushSent     *prometheus.CounterVec
}

func New(ns string) *Metrics {
	if ns == "" {
		ns = DefaultNamespace
	}
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:     r,
		httpReqCnt:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:      prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: prometheus.DefBuckets}, []string{"method", "route", "status"}),
		sessions:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "sessions_active"}),
		connections:  prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "connections_active"}, []string{"role"}),
		messagesIn:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "messages_received_total"}, []string{"role", "type"}),
		messagesOut:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "events_recorded_total"}, []string{"type"}),
		dropped:      prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "messages_dropped_total"}, []string{"role"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "auth_failures_total"}, []string{"route"}),
		pushSent:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "push_deliveries_total"}, []string{"result"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur, m.sessions, m.connections, m.messagesIn, m.messagesOut, m.dropped, m.authFailures, m.pushSent)
	return m
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) ConnOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

func (m *Metrics) MessageReceived(role, msgType string) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(role, msgType).Inc()
}

func (m *Metrics) EventRecorded(eventType string) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Dropped(role string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.WithLabelValues(role).Add(float64(n))
}

func (m *Metrics) AuthFailed(route string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(route).Inc()
}

func (m *Metrics) PushDelivered(result string) {
	if m == nil {
		return
	}
	m.pushSent.WithLabelValues(result).Inc()
}

// unmatchedRoute labels requests chi served without a route pattern, such
// as static files and the SPA fallback.
const unmatchedRoute = "unmatched"

// Middleware records request counts and latencies by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := strconv.Itoa(ww.Status())
		m.httpReqCnt.WithLabelValues(r.Method, route, status).Inc()
		m.httpDur.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
