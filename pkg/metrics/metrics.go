// Package metrics exposes the prometheus counters and histograms named in
// SPEC_FULL.md §A: kernel invocations, sandbox durations, and HTTP request
// counts, served at /metrics. Grounded on the teacher's pkg/metrics.Recorder
// (lazily-registered label-keyed vectors over a shared registry), trimmed to
// the fixed metric set this core actually emits rather than a generic
// name-at-call-site recorder.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loglineos"

// Registry is the process-wide collector registry. A fresh registry (rather
// than prometheus.DefaultRegisterer) keeps /metrics output limited to this
// core's own series.
var Registry = prometheus.NewRegistry()

var (
	kernelInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kernel_invocations_total",
		Help:      "Count of kernel invocations by kernel name and outcome.",
	}, []string{"kernel", "outcome"})

	sandboxDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sandbox_duration_ms",
		Help:      "Sandbox evaluation wall-clock duration in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"kernel"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests by route and status class.",
	}, []string{"route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request duration in milliseconds.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"route"})
)

func init() {
	Registry.MustRegister(kernelInvocations, sandboxDuration, httpRequests, httpDuration)
}

// ObserveKernelInvocation records one kernel run's outcome.
func ObserveKernelInvocation(kernel, outcome string) {
	kernelInvocations.WithLabelValues(kernel, outcome).Inc()
}

// ObserveSandboxDuration records how long a sandbox evaluation took.
func ObserveSandboxDuration(kernel string, d time.Duration) {
	sandboxDuration.WithLabelValues(kernel).Observe(float64(d.Milliseconds()))
}

// Handler serves the Prometheus exposition format for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps h so every request increments httpRequests and
// observes httpDuration under the given route label, matching the teacher's
// metrics.InstrumentHandler convention (SPEC_FULL.md §A).
func InstrumentHandler(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(sw, r)
		httpDuration.WithLabelValues(route).Observe(float64(time.Since(started).Milliseconds()))
		httpRequests.WithLabelValues(route, statusClass(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
