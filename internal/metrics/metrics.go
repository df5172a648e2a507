package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for filter decisions and the
// side-effect queue. A nil *Recorder is valid and records nothing, so
// components can take one without guarding every call site.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	decisions       *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec

	tasksEnqueued  *prometheus.CounterVec
	tasksProcessed *prometheus.CounterVec
	tasksRetried   *prometheus.CounterVec
	tasksDropped   *prometheus.CounterVec
	flushDuration  prometheus.Histogram
	flushDrained   prometheus.Histogram
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filterd",
		Subsystem: "filter",
		Name:      "decisions_total",
		Help:      "Filter decisions returned to webhook callers.",
	}, []string{"action", "from_cache"})

	decisionLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "filterd",
		Subsystem: "filter",
		Name:      "decision_duration_seconds",
		Help:      "Latency distribution for filter decisions.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"action"})

	tasksEnqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filterd",
		Subsystem: "queue",
		Name:      "tasks_enqueued_total",
		Help:      "Side-effect tasks accepted into the queue.",
	}, []string{"category"})

	tasksProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filterd",
		Subsystem: "queue",
		Name:      "tasks_processed_total",
		Help:      "Side-effect tasks delivered successfully or discarded as unhandled.",
	}, []string{"category"})

	tasksRetried := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filterd",
		Subsystem: "queue",
		Name:      "tasks_retried_total",
		Help:      "Retry attempts scheduled for failed tasks.",
	}, []string{"category"})

	tasksDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filterd",
		Subsystem: "queue",
		Name:      "tasks_dropped_total",
		Help:      "Tasks lost to overflow or exhausted retries.",
	}, []string{"category", "reason"})

	flushDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "filterd",
		Subsystem: "queue",
		Name:      "flush_duration_seconds",
		Help:      "Wall time spent draining the queue per flush.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	flushDrained := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "filterd",
		Subsystem: "queue",
		Name:      "flush_drained_tasks",
		Help:      "Number of tasks drained per flush.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	reg.MustRegister(decisions, decisionLatency, tasksEnqueued, tasksProcessed,
		tasksRetried, tasksDropped, flushDuration, flushDrained)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		decisions:       decisions,
		decisionLatency: decisionLatency,
		tasksEnqueued:   tasksEnqueued,
		tasksProcessed:  tasksProcessed,
		tasksRetried:    tasksRetried,
		tasksDropped:    tasksDropped,
		flushDuration:   flushDuration,
		flushDrained:    flushDrained,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// RecordDecision records the outcome and latency of one filter decision.
func (r *Recorder) RecordDecision(action string, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	actionLabel := normalizeLabel(action)
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.decisions.WithLabelValues(actionLabel, cacheLabel).Inc()
	r.decisionLatency.WithLabelValues(actionLabel).Observe(duration.Seconds())
}

// RecordTaskEnqueued counts one task accepted into the queue.
func (r *Recorder) RecordTaskEnqueued(category string) {
	if r == nil {
		return
	}
	r.tasksEnqueued.WithLabelValues(normalizeLabel(category)).Inc()
}

// RecordTasksProcessed counts n tasks delivered for a category.
func (r *Recorder) RecordTasksProcessed(category string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.tasksProcessed.WithLabelValues(normalizeLabel(category)).Add(float64(n))
}

// RecordTaskRetried counts one scheduled retry attempt.
func (r *Recorder) RecordTaskRetried(category string) {
	if r == nil {
		return
	}
	r.tasksRetried.WithLabelValues(normalizeLabel(category)).Inc()
}

// RecordTaskDropped counts one task lost to overflow or exhausted retries.
func (r *Recorder) RecordTaskDropped(category, reason string) {
	if r == nil {
		return
	}
	r.tasksDropped.WithLabelValues(normalizeLabel(category), normalizeLabel(reason)).Inc()
}

// ObserveFlush records the duration and drained size of one flush.
func (r *Recorder) ObserveFlush(duration time.Duration, drained int) {
	if r == nil {
		return
	}
	r.flushDuration.Observe(duration.Seconds())
	r.flushDrained.Observe(float64(drained))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
