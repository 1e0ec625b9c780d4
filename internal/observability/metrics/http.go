package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ragcore"

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	ragAnswersTotal   *prometheus.CounterVec
	ragDegradedTotal  *prometheus.CounterVec
	ragRetriesTotal   *prometheus.CounterVec
	ragCitedChunks    *prometheus.HistogramVec
	ragStageDuration  *prometheus.HistogramVec
	ragDuration       *prometheus.HistogramVec
	ingestedDocuments *prometheus.CounterVec
	rejectedRequests  *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	ragAnswersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "answers_total",
			Help:      "Total RAG queries by outcome.",
		},
		[]string{"service", "outcome"},
	)
	ragDegradedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "degraded_total",
			Help:      "Total degraded answers by reason.",
		},
		[]string{"service", "reason"},
	)
	ragRetriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "generation_retries_total",
			Help:      "Total retried completion calls.",
		},
		[]string{"service"},
	)
	ragCitedChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "cited_chunks",
			Help:      "Distribution of cited chunks per completed answer.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	ragStageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "stage_duration_seconds",
			Help:      "Query stage duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "stage"},
	)
	ragDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "duration_seconds",
			Help:      "RAG execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	ingestedDocuments := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Total uploaded documents by mode and status.",
		},
		[]string{"service", "mode", "status"},
	)
	rejectedRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rejected_requests_total",
			Help:      "Requests rejected by traffic control.",
		},
		[]string{"service", "reason"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		ragAnswersTotal,
		ragDegradedTotal,
		ragRetriesTotal,
		ragCitedChunks,
		ragStageDuration,
		ragDuration,
		ingestedDocuments,
		rejectedRequests,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		ragAnswersTotal:   ragAnswersTotal,
		ragDegradedTotal:  ragDegradedTotal,
		ragRetriesTotal:   ragRetriesTotal,
		ragCitedChunks:    ragCitedChunks,
		ragStageDuration:  ragStageDuration,
		ragDuration:       ragDuration,
		ingestedDocuments: ingestedDocuments,
		rejectedRequests:  rejectedRequests,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/documents/"):
		return "/v1/documents/{document_id}"
	case strings.HasPrefix(path, "/v1/conversations/") && strings.HasSuffix(path, "/export"):
		return "/v1/conversations/{conversation_id}/export"
	case strings.HasPrefix(path, "/v1/conversations/"):
		return "/v1/conversations/{conversation_id}"
	default:
		return path
	}
}

// AnswerObservation is the metric view of one finished query.
type AnswerObservation struct {
	Outcome         string
	CitedChunks     int
	Retries         int
	DegradedReasons []string
	StageLatencyMS  map[string]float64
	Duration        time.Duration
}

func (m *HTTPServerMetrics) RecordAnswer(service string, obs AnswerObservation) {
	outcome := obs.Outcome
	if outcome == "" {
		outcome = "unknown"
	}
	m.ragAnswersTotal.WithLabelValues(service, outcome).Inc()
	m.ragDuration.WithLabelValues(service).Observe(obs.Duration.Seconds())
	if outcome == "completed" {
		m.ragCitedChunks.WithLabelValues(service).Observe(float64(obs.CitedChunks))
	}
	if obs.Retries > 0 {
		m.ragRetriesTotal.WithLabelValues(service).Add(float64(obs.Retries))
	}
	for _, reason := range obs.DegradedReasons {
		m.ragDegradedTotal.WithLabelValues(service, reason).Inc()
	}
	for stage, ms := range obs.StageLatencyMS {
		m.ragStageDuration.WithLabelValues(service, stage).Observe(ms / 1000)
	}
}

func (m *HTTPServerMetrics) RecordIngest(service, mode string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ingestedDocuments.WithLabelValues(service, mode, status).Inc()
}

func (m *HTTPServerMetrics) RecordRejected(service, reason string) {
	m.rejectedRequests.WithLabelValues(service, reason).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
