// Package metrics exposes the engine's Prometheus collectors. Everything is
// registered on a private registry so tests can create metrics without
// colliding on the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	SignalsTotal         *prometheus.CounterVec
	PositionsOpenedTotal *prometheus.CounterVec
	PositionsClosedTotal *prometheus.CounterVec
	OpenPositions        *prometheus.GaugeVec
	DropAlertsTotal      *prometheus.CounterVec
	QueueDepth           *prometheus.GaugeVec
	DrainDuration        prometheus.Histogram
	RiskRejectionsTotal  *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalping_signals_total",
			Help: "Signals by terminal status.",
		}, []string{"status"}),
		PositionsOpenedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalping_positions_opened_total",
			Help: "Positions opened by broker.",
		}, []string{"broker"}),
		PositionsClosedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalping_positions_closed_total",
			Help: "Positions closed by reason.",
		}, []string{"reason"}),
		OpenPositions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scalping_open_positions",
			Help: "Currently open positions by side.",
		}, []string{"side"}),
		DropAlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalping_drop_alerts_total",
			Help: "Market drop alerts by symbol and level.",
		}, []string{"symbol", "level"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scalping_queue_depth",
			Help: "Pending signals per queue.",
		}, []string{"queue"}),
		DrainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scalping_executor_drain_seconds",
			Help:    "Wall time of one executor drain pass.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		RiskRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scalping_risk_rejections_total",
			Help: "Pre-trade gate rejections by gate.",
		}, []string{"gate"}),
	}
}

// Handler serves the registry for the /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
