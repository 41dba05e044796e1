// Package metrics exposes dispenser, ledger, authorization and event
// pipeline metrics in Prometheus format.
//
// All methods are safe on a nil *Registry so components can run without
// metrics in tests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "silenus"

type Registry struct {
	registry *prometheus.Registry

	SessionsOpened *prometheus.CounterVec
	SessionsClosed *prometheus.CounterVec
	DispensedMl    *prometheus.CounterVec
	ValveOpen      *prometheus.GaugeVec
	FlowRate       *prometheus.GaugeVec
	HardwareFaults *prometheus.CounterVec

	AuthDecisions *prometheus.CounterVec
	AuthCache     *prometheus.CounterVec

	LedgerCharged prometheus.Counter
	LedgerClamped prometheus.Counter
	LedgerCredits prometheus.Counter

	EventsPublished  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	EventsSpilled    prometheus.Counter
	EventQueueDepth  prometheus.Gauge
	DeliveryFailures prometheus.Counter

	RequestsTotal *prometheus.CounterVec
}

// New builds a registry with the Go runtime and process collectors plus
// every silenus metric.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		registry: reg,
		SessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "opened_total",
			Help: "Dispensing sessions opened.",
		}, []string{"dispenser"}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "closed_total",
			Help: "Dispensing sessions closed, by reason.",
		}, []string{"dispenser", "reason"}),
		DispensedMl: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "dispensed_ml_total",
			Help: "Volume dispensed in closed sessions.",
		}, []string{"dispenser"}),
		ValveOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "valve", Name: "open",
			Help: "1 while the valve is open.",
		}, []string{"dispenser"}),
		FlowRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "flow", Name: "rate_ml_per_min",
			Help: "Smoothed flow rate.",
		}, []string{"dispenser"}),
		HardwareFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hardware", Name: "faults_total",
			Help: "Hardware faults that stopped a dispenser loop.",
		}, []string{"dispenser"}),
		AuthDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "decisions_total",
			Help: "Authorization outcomes.",
		}, []string{"result"}),
		AuthCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "cache_total",
			Help: "Authorization cache lookups.",
		}, []string{"result"}),
		LedgerCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "charged_units_total",
			Help: "Credit units debited from accounts.",
		}),
		LedgerClamped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "clamped_total",
			Help: "Debits clamped to the remaining balance.",
		}),
		LedgerCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "credited_units_total",
			Help: "Credit units added to accounts.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "delivered_total",
			Help: "Events delivered to the sink.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_total",
			Help: "Telemetry events shed on queue overflow.",
		}, []string{"type"}),
		EventsSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "spilled_total",
			Help: "Lifecycle events moved to the durable outbox.",
		}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "queue_depth",
			Help: "Events waiting in the in-memory queue.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "delivery_failures_total",
			Help: "Failed delivery attempts.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
	}

	reg.MustRegister(
		r.SessionsOpened, r.SessionsClosed, r.DispensedMl, r.ValveOpen, r.FlowRate,
		r.HardwareFaults, r.AuthDecisions, r.AuthCache, r.LedgerCharged, r.LedgerClamped,
		r.LedgerCredits, r.EventsPublished, r.EventsDropped, r.EventsSpilled,
		r.EventQueueDepth, r.DeliveryFailures, r.RequestsTotal,
	)
	return r
}

// Handler serves the registry for /metrics.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Registry) SessionOpened(dispenser string) {
	if r == nil {
		return
	}
	r.SessionsOpened.WithLabelValues(dispenser).Inc()
}

func (r *Registry) SessionClosed(dispenser, reason string, deltaMl float64) {
	if r == nil {
		return
	}
	r.SessionsClosed.WithLabelValues(dispenser, reason).Inc()
	if deltaMl > 0 {
		r.DispensedMl.WithLabelValues(dispenser).Add(deltaMl)
	}
}

func (r *Registry) SetValve(dispenser string, open bool) {
	if r == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	r.ValveOpen.WithLabelValues(dispenser).Set(v)
}

func (r *Registry) SetFlowRate(dispenser string, mlPerMin float64) {
	if r == nil {
		return
	}
	r.FlowRate.WithLabelValues(dispenser).Set(mlPerMin)
}

func (r *Registry) HardwareFault(dispenser string) {
	if r == nil {
		return
	}
	r.HardwareFaults.WithLabelValues(dispenser).Inc()
}

// AuthDecision records "authorized", "denied" or "error".
func (r *Registry) AuthDecision(result string) {
	if r == nil {
		return
	}
	r.AuthDecisions.WithLabelValues(result).Inc()
}

func (r *Registry) AuthCacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.AuthCache.WithLabelValues(result).Inc()
}

// LedgerDebit takes units in hundredths, matching types.Units.
func (r *Registry) LedgerDebit(hundredths int64, clamped bool) {
	if r == nil {
		return
	}
	r.LedgerCharged.Add(float64(hundredths) / 100)
	if clamped {
		r.LedgerClamped.Inc()
	}
}

func (r *Registry) LedgerCredit(hundredths int64) {
	if r == nil {
		return
	}
	r.LedgerCredits.Add(float64(hundredths) / 100)
}

func (r *Registry) EventDelivered(eventType string) {
	if r == nil {
		return
	}
	r.EventsPublished.WithLabelValues(eventType).Inc()
}

func (r *Registry) EventDropped(eventType string) {
	if r == nil {
		return
	}
	r.EventsDropped.WithLabelValues(eventType).Inc()
}

func (r *Registry) EventSpilled() {
	if r == nil {
		return
	}
	r.EventsSpilled.Inc()
}

func (r *Registry) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.EventQueueDepth.Set(float64(n))
}

func (r *Registry) DeliveryFailed() {
	if r == nil {
		return
	}
	r.DeliveryFailures.Inc()
}

func (r *Registry) HTTPRequest(method, route string, code int) {
	if r == nil {
		return
	}
	r.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
