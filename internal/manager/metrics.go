package manager

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for index manager operations. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	chunksAdded     prometheus.Counter
	searches        *prometheus.CounterVec
	embeddingErrors prometheus.Counter
	embeddingBatch  prometheus.Histogram
	cachedIndexes   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		chunksAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tanya",
			Name:      "chunks_added_total",
			Help:      "Total chunks embedded and committed to document indexes",
		}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tanya",
			Name:      "searches_total",
			Help:      "Total searches by scope (document, global, multi)",
		}, []string{"scope"}),
		embeddingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tanya",
			Name:      "embedding_errors_total",
			Help:      "Total failed embedding provider calls",
		}),
		embeddingBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tanya",
			Name:      "embedding_batch_seconds",
			Help:      "Latency of embedding provider calls",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		cachedIndexes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tanya",
			Name:      "cached_indexes",
			Help:      "Number of document indexes held in memory",
		}),
	}
	for _, c := range []prometheus.Collector{m.chunksAdded, m.searches, m.embeddingErrors, m.embeddingBatch, m.cachedIndexes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) addChunks(n int) {
	if m != nil {
		m.chunksAdded.Add(float64(n))
	}
}

func (m *Metrics) search(scope string) {
	if m != nil {
		m.searches.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) embedding(start time.Time, err error) {
	if m == nil {
		return
	}
	m.embeddingBatch.Observe(time.Since(start).Seconds())
	if err != nil {
		m.embeddingErrors.Inc()
	}
}

func (m *Metrics) cached(n int) {
	if m != nil {
		m.cachedIndexes.Set(float64(n))
	}
}
