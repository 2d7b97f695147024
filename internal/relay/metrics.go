package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the hub's prometheus instruments. They register against the
// default registry exactly once per process, so every Hub (including hubs
// created in tests) shares the same instruments.
type Metrics struct {
	connected      prometheus.Gauge
	forwarded      prometheus.Counter
	dropped        *prometheus.CounterVec
	forwardSeconds prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			connected: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "callnet_participants_connected",
				Help: "Participants currently registered with the relay",
			}),
			forwarded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "callnet_envelopes_forwarded_total",
				Help: "Envelopes forwarded to their target",
			}),
			dropped: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "callnet_envelopes_dropped_total",
				Help: "Envelopes dropped, by reason",
			}, []string{"reason"}),
			forwardSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "callnet_forward_duration_seconds",
				Help:    "Time to route one envelope",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			}),
		}
	})
	return metrics
}
