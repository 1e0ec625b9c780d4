package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

// WorkerMetrics covers asynchronous ingestion: how many queued documents were
// indexed or failed (and at which pipeline stage), how large they were in
// chunks and how long they waited on the queue.
type WorkerMetrics struct {
	registry *prometheus.Registry

	documents     *prometheus.CounterVec
	indexDuration *prometheus.HistogramVec
	chunksIndexed *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	queueLag      *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	m := &WorkerMetrics{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest_worker",
			Name:      "documents_total",
			Help:      "Queued documents processed, by outcome (indexed or failed_<stage>).",
		}, []string{"service", "outcome"}),
		indexDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest_worker",
			Name:      "document_duration_seconds",
			Help:      "Time from dequeue to indexed or failed.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"service", "indexed"}),
		chunksIndexed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest_worker",
			Name:      "chunks_per_document",
			Help:      "Chunks written to the indexes per successfully indexed document.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"service"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "ingest_worker",
			Name:        "documents_in_flight",
			Help:        "Documents currently being extracted, embedded or indexed.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		queueLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest_worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between upload and the worker picking the document up.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"service"}),
	}
	m.registry.MustRegister(m.documents, m.indexDuration, m.chunksIndexed, m.inFlight, m.queueLag)
	return m
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartDocument() {
	m.inFlight.Inc()
}

// FinishDocument records one processed document. chunks is ignored when err
// is set, since a failed document leaves nothing searchable.
func (m *WorkerMetrics) FinishDocument(service string, duration time.Duration, chunks int, err error) {
	m.inFlight.Dec()

	if err != nil {
		m.documents.WithLabelValues(service, documentOutcome(err)).Inc()
		m.indexDuration.WithLabelValues(service, "false").Observe(duration.Seconds())
		return
	}
	m.documents.WithLabelValues(service, "indexed").Inc()
	m.indexDuration.WithLabelValues(service, "true").Observe(duration.Seconds())
	m.chunksIndexed.WithLabelValues(service).Observe(float64(chunks))
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}

func documentOutcome(err error) string {
	if stage, ok := domain.FailedStage(err); ok {
		return "failed_" + string(stage)
	}
	return "failed"
}
