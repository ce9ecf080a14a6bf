// Package telemetry provides observability primitives for the Courier dispatcher.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the dispatcher.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	TasksReceived    *prometheus.CounterVec
	TasksDispatched  *prometheus.CounterVec
	TasksRevoked     prometheus.Counter
	TasksThrottled   *prometheus.CounterVec
	TaskResults      *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	ReadyQueueLength prometheus.Gauge
	EventQueueLength prometheus.Gauge
	MediatorRunning  prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "courier",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		TasksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "tasks_received_total",
			Help:      "Total tasks accepted onto the ready queue.",
		}, []string{"task"}),

		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "tasks_dispatched_total",
			Help:      "Total tasks handed to the executor by the mediator.",
		}, []string{"task"}),

		TasksRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "tasks_revoked_total",
			Help:      "Total tasks dropped because they were revoked.",
		}),

		TasksThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "tasks_throttled_total",
			Help:      "Total submissions rejected by the per-task rate limit.",
		}, []string{"task"}),

		TaskResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "task_results_total",
			Help:      "Total task handler outcomes.",
		}, []string{"task", "outcome"}),

		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "courier",
			Name:                            "dispatch_duration_seconds",
			Help:                            "Time the mediator spends handing a task to the executor.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		ReadyQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "ready_queue_length",
			Help:      "Current number of tasks waiting in the ready queue.",
		}),

		EventQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "event_queue_length",
			Help:      "Current number of buffered task events.",
		}),

		MediatorRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "mediator_running",
			Help:      "1 while the mediator run loop is active.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.TasksReceived,
		m.TasksDispatched,
		m.TasksRevoked,
		m.TasksThrottled,
		m.TaskResults,
		m.DispatchDuration,
		m.ReadyQueueLength,
		m.EventQueueLength,
		m.MediatorRunning,
	)

	return m
}
