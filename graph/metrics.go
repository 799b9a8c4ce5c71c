package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMetricsNamespace prefixes every metric name.
const DefaultMetricsNamespace = "superstep"

// PrometheusMetrics collects workflow execution metrics.
//
// Metrics exposed (prefixed with the namespace, "superstep_" by default):
//
//  1. active_runs (gauge): runs currently inside the superstep loop.
//  2. pending_messages (gauge): messages queued for the next superstep.
//  3. supersteps_total (counter): completed supersteps. Labels: workflow_id.
//  4. superstep_latency_ms (histogram): wall time of one superstep's delivery.
//  5. handler_latency_ms (histogram): handler duration. Labels: executor_id,
//     status (success, error, timeout).
//  6. messages_delivered_total (counter): messages delivered to every edge runner of their source.
//     Labels: source_id.
//  7. checkpoints_total (counter): checkpoint attempts. Labels: type
//     (initial, superstep), status (success, error).
//
// All methods are safe for concurrent use and do nothing on a nil receiver,
// so the engine can call them unconditionally.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry, "")
//	wf, err := graph.NewWorkflowBuilder(graph.WithMetrics(metrics)).
//	    ...
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	activeRuns        prometheus.Gauge
	pendingMessages   prometheus.Gauge
	supersteps        *prometheus.CounterVec
	superstepLatency  prometheus.Histogram
	handlerLatency    *prometheus.HistogramVec
	messagesDelivered *prometheus.CounterVec
	checkpoints       *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the metrics with registry
// (prometheus.DefaultRegisterer when nil). An empty namespace means
// DefaultMetricsNamespace.
func NewPrometheusMetrics(registry prometheus.Registerer, namespace string) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}
	factory := promauto.With(registry)
	buckets := []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000} // 1ms to 10s

	return &PrometheusMetrics{
		registry: registry,
		enabled:  true,

		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Workflow runs currently executing supersteps",
		}),
		pendingMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_messages",
			Help:      "Messages queued for delivery in the next superstep",
		}),
		supersteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supersteps_total",
			Help:      "Completed supersteps",
		}, []string{"workflow_id"}),
		superstepLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "superstep_latency_ms",
			Help:      "Duration of one superstep's message delivery in milliseconds",
			Buckets:   buckets,
		}),
		handlerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_latency_ms",
			Help:      "Executor handler duration in milliseconds",
			Buckets:   buckets,
		}, []string{"executor_id", "status"}),
		messagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages delivered to every edge runner of their source",
		}, []string{"source_id"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint creation attempts",
		}, []string{"type", "status"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RunStarted increments active_runs.
func (pm *PrometheusMetrics) RunStarted() {
	if !pm.on() {
		return
	}
	pm.activeRuns.Inc()
}

// RunFinished decrements active_runs.
func (pm *PrometheusMetrics) RunFinished() {
	if !pm.on() {
		return
	}
	pm.activeRuns.Dec()
}

// SetPendingMessages sets the pending_messages gauge.
func (pm *PrometheusMetrics) SetPendingMessages(n int) {
	if !pm.on() {
		return
	}
	pm.pendingMessages.Set(float64(n))
}

// RecordSuperstep records a completed superstep and its delivery time.
func (pm *PrometheusMetrics) RecordSuperstep(workflowID string, latency time.Duration) {
	if !pm.on() {
		return
	}
	pm.supersteps.WithLabelValues(workflowID).Inc()
	pm.superstepLatency.Observe(float64(latency.Milliseconds()))
}

// RecordHandlerLatency records one handler call. status is "success",
// "error" or "timeout".
func (pm *PrometheusMetrics) RecordHandlerLatency(executorID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.handlerLatency.WithLabelValues(executorID, status).Observe(float64(latency.Milliseconds()))
}

// AddMessagesDelivered counts n messages from sourceID that were delivered.
func (pm *PrometheusMetrics) AddMessagesDelivered(sourceID string, n int) {
	if !pm.on() {
		return
	}
	pm.messagesDelivered.WithLabelValues(sourceID).Add(float64(n))
}

// IncrementCheckpoints counts a checkpoint attempt.
func (pm *PrometheusMetrics) IncrementCheckpoints(checkpointType, status string) {
	if !pm.on() {
		return
	}
	pm.checkpoints.WithLabelValues(checkpointType, status).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative and keep
// their values.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.activeRuns.Set(0)
	pm.pendingMessages.Set(0)
}
