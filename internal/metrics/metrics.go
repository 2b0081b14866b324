package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaa/clipstitch/internal/engine"
)

// Metrics holds Prometheus collectors for transcodes and the HTTP surface.
// It implements engine.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	transcodesTotal   *prometheus.CounterVec
	transcodeDuration prometheus.Histogram
	activeTranscodes  prometheus.Gauge
	stepsOpenedTotal  prometheus.Counter
	stepsClosedTotal  prometheus.Counter
	iterationsTotal   *prometheus.CounterVec
	progress          prometheus.Gauge
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	transcodesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clipstitch_transcodes_total",
		Help: "Finished transcodes by outcome",
	}, []string{"outcome"})
	transcodeDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clipstitch_transcode_duration_seconds",
		Help:    "Wall time of finished transcodes",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	activeTranscodes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clipstitch_active_transcodes",
		Help: "Transcodes currently running",
	})
	stepsOpenedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipstitch_steps_opened_total",
		Help: "Steps opened across all transcodes",
	})
	stepsClosedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipstitch_steps_closed_total",
		Help: "Steps closed across all transcodes",
	})
	iterationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clipstitch_loop_iterations_total",
		Help: "Transcode loop iterations, split by whether the worker made progress",
	}, []string{"stepped"})
	progress := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clipstitch_progress_ratio",
		Help: "Last published progress of the current transcode, -1 when unknown",
	})
	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipstitch_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clipstitch_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	progress.Set(engine.ProgressUnknown)

	registry.MustRegister(
		transcodesTotal,
		transcodeDuration,
		activeTranscodes,
		stepsOpenedTotal,
		stepsClosedTotal,
		iterationsTotal,
		progress,
		requestsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:          registry,
		transcodesTotal:   transcodesTotal,
		transcodeDuration: transcodeDuration,
		activeTranscodes:  activeTranscodes,
		stepsOpenedTotal:  stepsOpenedTotal,
		stepsClosedTotal:  stepsClosedTotal,
		iterationsTotal:   iterationsTotal,
		progress:          progress,
		requestsTotal:     requestsTotal,
		errorsTotal:       errorsTotal,
	}
}

func (m *Metrics) TranscodeStarted(sources int) {
	m.activeTranscodes.Inc()
	m.progress.Set(engine.ProgressUnknown)
}

func (m *Metrics) StepOpened(index int) {
	m.stepsOpenedTotal.Inc()
}

func (m *Metrics) StepClosed(index int) {
	m.stepsClosedTotal.Inc()
}

func (m *Metrics) Iteration(stepped bool) {
	if stepped {
		m.iterationsTotal.WithLabelValues("true").Inc()
		return
	}
	m.iterationsTotal.WithLabelValues("false").Inc()
}

func (m *Metrics) Progress(value float64) {
	m.progress.Set(value)
}

func (m *Metrics) TranscodeFinished(outcome engine.Outcome, elapsed time.Duration) {
	m.activeTranscodes.Dec()
	m.transcodesTotal.WithLabelValues(string(outcome)).Inc()
	m.transcodeDuration.Observe(elapsed.Seconds())
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
// updateGauges is called before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// SetProgress overrides the progress gauge, typically from a scrape hook.
func (m *Metrics) SetProgress(value float64) {
	m.progress.Set(value)
}
