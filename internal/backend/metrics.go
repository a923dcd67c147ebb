package backend

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task status.
const (
	statusFinished = "finished"
	statusFailed   = "failed"
)

// knownBackends are pre-initialized so their series appear in /metrics with
// value 0 from startup.
var knownBackends = []string{"local", "cluster"}

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pymw_tasks_total",
			Help: "Total number of tasks finalized, by backend and terminal status.",
		},
		[]string{"backend", "status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pymw_task_duration_seconds",
			Help:    "Task execution time from dispatch to finalization, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	activeWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pymw_active_workers",
			Help: "Number of workers currently holding a task.",
		},
		[]string{"backend"},
	)

	workerAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pymw_worker_acquire_seconds",
			Help:    "Time a dispatcher waited for an idle worker, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerAcquireDuration)

	for _, name := range knownBackends {
		tasksTotal.WithLabelValues(name, statusFinished)
		tasksTotal.WithLabelValues(name, statusFailed)
		activeWorkers.WithLabelValues(name)
	}
}
