package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trtd",
		Subsystem: "engine",
		Name:      "loads_total",
		Help:      "Engines deserialized and made ready.",
	})
	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trtd",
		Subsystem: "engine",
		Name:      "evictions_total",
		Help:      "Idle engines released to fit the device budget.",
	})
	deviceBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "trtd",
		Subsystem: "engine",
		Name:      "device_bytes",
		Help:      "Device memory held by an engine's I/O buffers.",
	}, []string{"model"})
	inferDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trtd",
		Subsystem: "engine",
		Name:      "infer_duration_seconds",
		Help:      "Copy-in, execute and copy-out latency per request.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"model"})
	backpressureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trtd",
		Subsystem: "manager",
		Name:      "backpressure_total",
		Help:      "Requests rejected by admission control.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(loadsTotal, evictionsTotal, deviceBytes, inferDuration, backpressureTotal)
}
