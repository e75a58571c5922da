// Package metrics holds the ledger's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "valueledger"

type Metrics struct {
	transactions  *prometheus.CounterVec
	errors        *prometheus.CounterVec
	replans       prometheus.Counter
	compensations prometheus.Counter
	cardCalls     *prometheus.CounterVec
	sweepVoided   prometheus.Counter
	httpDuration  *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
}

// New registers the collectors with reg. ruleCacheSize, when not nil,
// backs a gauge of compiled rules.
func New(reg prometheus.Registerer, ruleCacheSize func() int) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions committed, by type.",
		}, []string{"type"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_errors_total",
			Help:      "Failed transaction requests, by error code.",
		}, []string{"code"}),
		replans: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replans_total",
			Help:      "Plans rebuilt after a replanable execution conflict.",
		}),
		compensations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Card charges refunded because the ledger write failed.",
		}),
		cardCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "card_calls_total",
			Help:      "Card processor calls, by operation and outcome.",
		}, []string{"op", "outcome"}),
		sweepVoided: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_voided_total",
			Help:      "Expired pending transactions voided by the sweeper.",
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
	}
	if ruleCacheSize != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rule_cache_entries",
			Help:      "Compiled rule programs held in the cache.",
		}, func() float64 { return float64(ruleCacheSize()) })
	}
	return m
}

func (m *Metrics) Transaction(kind string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind).Inc()
}

func (m *Metrics) Error(code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(code).Inc()
}

func (m *Metrics) Replan() {
	if m == nil {
		return
	}
	m.replans.Inc()
}

func (m *Metrics) Compensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

// CardCall counts a processor call; outcome is "ok" or an error kind.
func (m *Metrics) CardCall(op, outcome string) {
	if m == nil {
		return
	}
	m.cardCalls.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) SweepVoided(n int) {
	if m == nil {
		return
	}
	m.sweepVoided.Add(float64(n))
}

// Middleware records request latency and status by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
