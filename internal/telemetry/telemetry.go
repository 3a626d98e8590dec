// Package telemetry exposes cycle observability as Prometheus metrics.
// Metrics are updated once per committed cycle by the cycle engine's commit
// hook; nothing here sits on the decision path.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors.
type Metrics struct {
	CyclesTotal   *prometheus.CounterVec
	ActiveSignals prometheus.Gauge
	Proposals     prometheus.Gauge
	BoundaryBand  *prometheus.GaugeVec
	GateDenials   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers the opSignal collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsignal",
			Name:      "cycles_total",
			Help:      "Cycle outcomes by result.",
		}, []string{"outcome"}),
		ActiveSignals: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsignal",
			Name:      "active_signals",
			Help:      "Active signals after the last committed cycle.",
		}),
		Proposals: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opsignal",
			Name:      "proposals",
			Help:      "Ranked proposals after the last committed cycle.",
		}),
		BoundaryBand: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opsignal",
			Name:      "boundary_band",
			Help:      "Drift boundary band: 0 healthy, 1 warning, 2 critical.",
		}, []string{"boundary"}),
		GateDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opsignal",
			Name:      "gate_denials_total",
			Help:      "Gate denials by reason class.",
		}, []string{"reason"}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
