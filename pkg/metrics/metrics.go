// Package metrics exposes Prometheus instrumentation for runs, load samples,
// provider calls and generated test cases.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/testpilot-io/testpilot/pkg/llm"
)

const namespace = "testpilot"

// Recorder holds the process metrics. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runsQueued    prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	samples       *prometheus.CounterVec
	llmCalls      *prometheus.CounterVec
	llmLatency    *prometheus.HistogramVec
	testCases     *prometheus.CounterVec
	reportUploads *prometheus.CounterVec
}

// Compile-time interface check.
var _ llm.Observer = (*Recorder)(nil)

// New creates a Recorder backed by its own registry, including the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "started_total",
			Help:      "Performance runs admitted, by test type.",
		}, []string{"test_type"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Performance runs reaching a terminal state.",
		}, []string{"test_type", "state", "verdict"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "active",
			Help:      "Runs currently executing.",
		}),
		runsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "queued",
			Help:      "Admitted runs waiting for a slot.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall time from RUNNING to a terminal state.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"test_type"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "load",
			Name:      "requests_total",
			Help:      "Requests issued by virtual users, by outcome.",
		}, []string{"outcome"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Provider calls, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Provider call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		testCases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "testgen",
			Name:      "test_cases_total",
			Help:      "Persisted test cases, by generation source.",
		}, []string{"source"}),
		reportUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reports",
			Name:      "uploads_total",
			Help:      "Report archive attempts, by result.",
		}, []string{"result"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.runsStarted,
		r.runsFinished,
		r.runsActive,
		r.runsQueued,
		r.runDuration,
		r.samples,
		r.llmCalls,
		r.llmLatency,
		r.testCases,
		r.reportUploads,
	)

	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}

	return r.registry
}

// Handler serves the exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RunStarted counts an admitted run.
func (r *Recorder) RunStarted(testType string) {
	if r == nil {
		return
	}

	r.runsStarted.WithLabelValues(testType).Inc()
}

// RunFinished records a run reaching a terminal state.
func (r *Recorder) RunFinished(testType, state, verdict string, elapsed time.Duration) {
	if r == nil {
		return
	}

	if verdict == "" {
		verdict = "none"
	}

	r.runsFinished.WithLabelValues(testType, state, verdict).Inc()
	r.runDuration.WithLabelValues(testType).Observe(elapsed.Seconds())
}

// SetActiveRuns reports the executing and queued run counts.
func (r *Recorder) SetActiveRuns(active, queued int) {
	if r == nil {
		return
	}

	r.runsActive.Set(float64(active))
	r.runsQueued.Set(float64(queued))
}

// ObserveRequests adds the outcome counts of a finished run.
func (r *Recorder) ObserveRequests(ok, failed int64) {
	if r == nil {
		return
	}

	r.samples.WithLabelValues("ok").Add(float64(ok))
	r.samples.WithLabelValues("failed").Add(float64(failed))
}

// ObserveLLMCall implements llm.Observer.
func (r *Recorder) ObserveLLMCall(provider, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}

	r.llmCalls.WithLabelValues(provider, outcome).Inc()

	if outcome != llm.OutcomeSkipped {
		r.llmLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	}
}

// ObserveTestCases counts persisted test cases.
func (r *Recorder) ObserveTestCases(source string, count int) {
	if r == nil {
		return
	}

	r.testCases.WithLabelValues(source).Add(float64(count))
}

// ReportUploaded counts a report archive attempt.
func (r *Recorder) ReportUploaded(err error) {
	if r == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	r.reportUploads.WithLabelValues(result).Inc()
}
