package hotswap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reload results used as the "result" label.
const (
	resultOK     = "ok"
	resultLoad   = "load_failure"
	resultSymbol = "symbol_failure"
)

type metrics struct {
	reloads       *prometheus.CounterVec
	generation    prometheus.Gauge
	queueLength   prometheus.Gauge
	retired       prometheus.Counter
	releaseErrors prometheus.Counter
}

// newMetrics creates the supervisor's collectors. With a nil registerer they
// still count but are not exported.
func newMetrics(reg prometheus.Registerer, constLabels prometheus.Labels) *metrics {
	f := promauto.With(reg)
	return &metrics{
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "hotswap",
			Name:        "reloads_total",
			Help:        "Reload cycles by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hotswap",
			Name:        "generation",
			Help:        "Number of the module currently serving calls.",
			ConstLabels: constLabels,
		}),
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hotswap",
			Name:        "retirement_queue_length",
			Help:        "Superseded modules waiting for their callers to finish.",
			ConstLabels: constLabels,
		}),
		retired: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotswap",
			Name:        "modules_retired_total",
			Help:        "Superseded modules released.",
			ConstLabels: constLabels,
		}),
		releaseErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotswap",
			Name:        "release_errors_total",
			Help:        "Module releases that failed and were dropped.",
			ConstLabels: constLabels,
		}),
	}
}
