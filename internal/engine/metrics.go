package engine

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricCycles       = "cycles_total"
	MetricRowsLoaded   = "rows_loaded_total"
	MetricFallbacks    = "fallbacks_total"
	MetricLiveWorlds   = "live_worlds"
	MetricRestarts     = "consecutive_failures"
	MetricCycleSeconds = "cycle_duration_seconds"
)

var CounterCycles = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "census",
		Name:      MetricCycles,
		Help:      "Ingestion cycles by outcome.",
	},
	[]string{"outcome"},
)

var CounterRowsLoaded = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "census",
		Name:      MetricRowsLoaded,
		Help:      "Rows written to the live tables.",
	},
	[]string{"kind"},
)

var CounterFallbacks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "census",
		Name:      MetricFallbacks,
		Help:      "World loads that reused stored rows because the feeds failed.",
	},
	[]string{"kind", "reason"},
)

var GaugeLiveWorlds = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "census",
		Name:      MetricLiveWorlds,
		Help:      "Worlds ingested by the last cycle.",
	},
)

var GaugeRestarts = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "census",
		Name:      MetricRestarts,
		Help:      "Consecutive failed cycles.",
	},
)

var HistogramCycleSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "census",
		Name:      MetricCycleSeconds,
		Help:      "Wall time of an ingestion cycle.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	},
)

func init() {
	prometheus.MustRegister(CounterCycles)
	prometheus.MustRegister(CounterRowsLoaded)
	prometheus.MustRegister(CounterFallbacks)
	prometheus.MustRegister(GaugeLiveWorlds)
	prometheus.MustRegister(GaugeRestarts)
	prometheus.MustRegister(HistogramCycleSeconds)
}
