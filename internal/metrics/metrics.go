// Package metrics exposes Prometheus collectors for the trading engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optbot_cycles_total", Help: "Polling cycles by outcome"},
		[]string{"outcome"},
	)
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "optbot_cycle_duration_seconds",
			Help:    "Wall time of one polling cycle",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optbot_signals_total", Help: "Breakout signals detected"},
		[]string{"ticker", "type"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optbot_orders_total", Help: "Orders submitted by result"},
		[]string{"ticker", "side", "result"},
	)
	RiskBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optbot_risk_blocks_total", Help: "Signals blocked by a risk gate"},
		[]string{"gate"},
	)
	ResolutionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optbot_resolution_failures_total", Help: "Day-start ATM resolution failures"},
		[]string{"ticker", "reason"},
	)
	QuoteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optbot_quote_failures_total", Help: "Premium lookups that returned no usable price"},
		[]string{"ticker"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optbot_open_positions", Help: "Currently open positions"},
	)
	EnginePaused = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "optbot_engine_paused", Help: "1 while new entries are suspended"},
	)
)

func init() {
	prometheus.MustRegister(
		CyclesTotal, CycleDuration, SignalsTotal, OrdersTotal, RiskBlocksTotal,
		ResolutionFailuresTotal, QuoteFailuresTotal, OpenPositions, EnginePaused,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
