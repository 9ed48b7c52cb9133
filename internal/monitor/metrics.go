package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-guard/pkg/exchanges/common"
)

// Metrics holds the guard's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	probeAttempts   *prometheus.HistogramVec
	failovers       *prometheus.CounterVec
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	orderChanges    *prometheus.CounterVec
	protectionLegs  *prometheus.CounterVec
	ocoActions      *prometheus.CounterVec
	breakerOpen     prometheus.Gauge
	lastCycleUnixMs prometheus.Gauge
}

// NewMetrics registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probeAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guard_conditional_probe_attempts",
			Help:    "Request variants tried per conditional order placement",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 220},
		}, []string{"order_type", "outcome"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_failovers_total",
			Help: "Calls moved to another route",
		}, []string{"op", "from", "to"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_reconcile_cycles_total",
			Help: "Reconciliation cycles by result",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guard_reconcile_cycle_seconds",
			Help:    "Reconciliation cycle duration",
			Buckets: prometheus.DefBuckets,
		}),
		orderChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_reconcile_order_changes_total",
			Help: "Local order rows changed by reconciliation",
		}, []string{"change"}),
		protectionLegs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_protection_legs_total",
			Help: "Protective legs by outcome",
		}, []string{"leg", "outcome"}),
		ocoActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_oco_actions_total",
			Help: "OCO sibling handling by action",
		}, []string{"action"}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_conditional_breaker_open",
			Help: "1 while conditional orders are suspended",
		}),
		lastCycleUnixMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_reconcile_last_success_unix_ms",
			Help: "Completion time of the last successful cycle",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.probeAttempts, m.failovers, m.cycles, m.cycleDuration, m.orderChanges,
		m.protectionLegs, m.ocoActions, m.breakerOpen, m.lastCycleUnixMs,
	)
	return m
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveProbe records how a conditional placement probe ended.
func (m *Metrics) ObserveProbe(orderType common.OrderType, attempts int, outcome string) {
	m.probeAttempts.WithLabelValues(string(orderType), outcome).Observe(float64(attempts))
}

// ObserveFailover counts a route change.
func (m *Metrics) ObserveFailover(op string, from, to common.Route) {
	m.failovers.WithLabelValues(op, string(from), string(to)).Inc()
}

// ObserveCycle records one reconciliation cycle.
func (m *Metrics) ObserveCycle(d time.Duration, err error, updated, filled, cancelled int) {
	m.cycleDuration.Observe(d.Seconds())
	if err != nil {
		m.cycles.WithLabelValues("error").Inc()
		return
	}
	m.cycles.WithLabelValues("ok").Inc()
	m.lastCycleUnixMs.Set(float64(time.Now().UnixMilli()))
	m.orderChanges.WithLabelValues("updated").Add(float64(updated))
	m.orderChanges.WithLabelValues("filled").Add(float64(filled))
	m.orderChanges.WithLabelValues("cancelled").Add(float64(cancelled))
}

// ObserveLeg records a protective leg outcome.
func (m *Metrics) ObserveLeg(leg, outcome string) {
	m.protectionLegs.WithLabelValues(leg, outcome).Inc()
}

// ObserveOCO records an OCO action.
func (m *Metrics) ObserveOCO(action string) {
	m.ocoActions.WithLabelValues(action).Inc()
}

// SetBreakerOpen mirrors the breaker state.
func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.breakerOpen.Set(1)
		return
	}
	m.breakerOpen.Set(0)
}
