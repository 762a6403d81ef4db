// Package metrics exposes the pipeline's Prometheus instrumentation:
// job throughput, transfer speed, encode duration, and in-flight job
// gauges, scraped over the HTTP listener internal/httpapi mounts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the pipeline reports, constructed
// once per process and threaded through the Queue Orchestrator so it
// does not import the global prometheus registry directly.
type Registry struct {
	JobsTotal        *prometheus.CounterVec
	JobsInFlight     *prometheus.GaugeVec
	TransferBytes    *prometheus.CounterVec
	TransferSpeed    prometheus.Histogram
	EncodeDuration   prometheus.Histogram
	EncodeFPS        prometheus.Histogram
	CompressionRatio prometheus.Histogram
	QueueDepth       *prometheus.GaugeVec
}

// New registers every collector against reg and returns the handles
// the rest of the pipeline records against.
func New(reg *prometheus.Registry) *Registry {
	m := &Registry{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelsmith",
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		JobsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reelsmith",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently occupying a lane.",
		}, []string{"lane"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelsmith",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved over the remote transfer layer.",
		}, []string{"direction"}),
		TransferSpeed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reelsmith",
			Name:      "transfer_speed_bytes_per_second",
			Help:      "Smoothed transfer throughput samples.",
			Buckets:   prometheus.ExponentialBuckets(1<<16, 4, 10),
		}),
		EncodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reelsmith",
			Name:      "encode_duration_seconds",
			Help:      "Wall-clock time spent encoding a job.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}),
		EncodeFPS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reelsmith",
			Name:      "encode_fps",
			Help:      "Reported ffmpeg encode fps samples.",
			Buckets:   prometheus.LinearBuckets(10, 20, 10),
		}),
		CompressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reelsmith",
			Name:      "compression_ratio",
			Help:      "1 - compressed/original for completed jobs.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reelsmith",
			Name:      "queue_depth",
			Help:      "Jobs waiting per lane.",
		}, []string{"lane"}),
	}

	reg.MustRegister(
		m.JobsTotal, m.JobsInFlight, m.TransferBytes, m.TransferSpeed,
		m.EncodeDuration, m.EncodeFPS, m.CompressionRatio, m.QueueDepth,
	)
	return m
}
