// Package metrics owns the Prometheus collectors shared by the client runtime.
//
// A nil *Metrics is valid and records nothing, so components and tests can be
// constructed without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "courier"

// Fetch outcomes.
const (
	FetchOK        = "ok"
	FetchStatus    = "status"
	FetchTransient = "transient"
	FetchCanceled  = "canceled"
	FetchRevoked   = "revoked"
)

// Refresh results.
const (
	RefreshOK      = "ok"
	RefreshFailed  = "failed"
	RefreshRevoked = "revoked"
)

// Metrics is the collector set for one client runtime.
type Metrics struct {
	reg *prometheus.Registry

	fetchTotal        *prometheus.CounterVec
	refreshTotal      *prometheus.CounterVec
	realtimeState     prometheus.Gauge
	reconnectsTotal   prometheus.Counter
	framesTotal       *prometheus.CounterVec
	unread            prometheus.Gauge
	listenerPanics    prometheus.Counter
	cacheRefreshTotal *prometheus.CounterVec
}

// New registers every collector on a fresh registry (plus Go/process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Authenticated API calls by outcome.",
		}, []string{"outcome"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by result.",
		}, []string{"result"}),
		realtimeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_state",
			Help:      "Current push channel state (0=idle 1=connecting 2=open 3=closing 4=closed).",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Scheduled push channel reconnects.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_frames_total",
			Help:      "Inbound push frames by category.",
		}, []string{"category"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notifications_unread",
			Help:      "Unread notifications held locally.",
		}),
		listenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_listener_panics_total",
			Help:      "Recovered panics raised by event bus listeners.",
		}),
		cacheRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refresh_total",
			Help:      "Domain cache refreshes by cache and result.",
		}, []string{"cache", "result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fetchTotal,
		m.refreshTotal,
		m.realtimeState,
		m.reconnectsTotal,
		m.framesTotal,
		m.unread,
		m.listenerPanics,
		m.cacheRefreshTotal,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry (tests use it to gather).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Fetch(outcome string) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RealtimeState(v int) {
	if m == nil {
		return
	}
	m.realtimeState.Set(float64(v))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) Frame(category string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) Unread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}

func (m *Metrics) ListenerPanic() {
	if m == nil {
		return
	}
	m.listenerPanics.Inc()
}

func (m *Metrics) CacheRefresh(cache, result string) {
	if m == nil {
		return
	}
	m.cacheRefreshTotal.WithLabelValues(cache, result).Inc()
}
