package task

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldlens_tasks_submitted_total",
			Help: "Total number of tasks submitted to the queue.",
		},
		[]string{"task_type"},
	)

	tasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldlens_tasks_completed_total",
			Help: "Total number of tasks that reached the completed state.",
		},
		[]string{"task_type"},
	)

	tasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldlens_tasks_failed_total",
			Help: "Total number of tasks that reached the failed state.",
		},
		[]string{"task_type"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldlens_task_duration_seconds",
			Help:    "Task handler duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"task_type"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldlens_task_queue_depth",
			Help: "Number of tasks currently buffered in the queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmitted)
	prometheus.MustRegister(tasksCompleted)
	prometheus.MustRegister(tasksFailed)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(queueDepth)
}
