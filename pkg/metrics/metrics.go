// Package metrics exposes transfer-core runtime counters to Prometheus,
// following the registration style of the teacher's monitoring package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics holds every Prometheus collector the engine and control surface
// update. One instance is shared process-wide and injected explicitly
// rather than reached for through package-level globals.
type Metrics struct {
	ActiveTransfers   prometheus.Gauge
	TransfersTotal    *prometheus.CounterVec
	BytesTransferred  prometheus.Counter
	ChunkOutcomes     *prometheus.CounterVec
	ChunkFetchLatency prometheus.Histogram
	SourcesPerTransfer prometheus.Histogram
	PaymentPauses     prometheus.Counter
}

// New creates and registers the collector set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chiral_transfer_active",
			Help: "Number of transfers currently running.",
		}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chiral_transfer_total",
			Help: "Transfers by terminal status.",
		}, []string{"status"}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chiral_transfer_bytes_total",
			Help: "Total bytes written to staging files across all transfers.",
		}),
		ChunkOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chiral_chunk_outcomes_total",
			Help: "Chunk fetch outcomes by result.",
		}, []string{"result"}),
		ChunkFetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chiral_chunk_fetch_latency_seconds",
			Help:    "Latency of a single chunk fetch.",
			Buckets: prometheus.DefBuckets,
		}),
		SourcesPerTransfer: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chiral_transfer_source_count",
			Help:    "Number of usable sources admitted per transfer.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		PaymentPauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chiral_payment_pauses_total",
			Help: "Total number of times a transfer suspended for a payment checkpoint.",
		}),
	}
	reg.MustRegister(
		m.ActiveTransfers,
		m.TransfersTotal,
		m.BytesTransferred,
		m.ChunkOutcomes,
		m.ChunkFetchLatency,
		m.SourcesPerTransfer,
		m.PaymentPauses,
	)
	return m
}

// Handler returns the HTTP handler the control surface mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
