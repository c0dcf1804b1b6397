package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsPrefix  = "loom_server_"
	AlgorithmLabel = "algorithm"
	KindLabel      = "kind"
	ReasonLabel    = "reason"
)

var (
	schedulingPassesMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "scheduling_passes",
			Help: "Number of scheduling passes run",
		},
		[]string{AlgorithmLabel},
	)

	schedulingPassDurationMetric = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricsPrefix + "scheduling_pass_duration_seconds",
			Help:    "Time spent computing one distribution",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{AlgorithmLabel},
	)

	assignedTasksMetric = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "assigned_tasks",
			Help: "Number of tasks sent to workers",
		},
	)

	exactFallbacksMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "exact_fallbacks",
			Help: "Number of passes the exact scheduler handed to the heuristic",
		},
		[]string{ReasonLabel},
	)

	transfersMetric = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "transfers",
			Help: "Number of data transfers requested between workers",
		},
	)

	taskFailuresMetric = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "task_failures",
			Help: "Number of failed task executions",
		},
	)

	residualsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "residual_completions",
			Help: "Number of completions received for work the server had already forgotten",
		},
		[]string{KindLabel},
	)

	resetsMetric = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricsPrefix + "resets",
			Help: "Number of times in-flight work or the whole graph was dropped",
		},
		[]string{KindLabel},
	)

	readyTasksMetric = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "ready_tasks",
			Help: "Number of tasks ready to be scheduled",
		},
	)

	pendingTasksMetric = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "pending_tasks",
			Help: "Number of unfinished tasks over all sessions",
		},
	)

	workersMetric = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "workers",
			Help: "Number of registered workers",
		},
	)

	freeCpusMetric = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricsPrefix + "free_cpus",
			Help: "Free cpus summed over workers; negative while workers are overbooked",
		},
	)
)

func RecordSchedulingPass(algorithm string, duration time.Duration, assigned int) {
	schedulingPassesMetric.WithLabelValues(algorithm).Inc()
	schedulingPassDurationMetric.WithLabelValues(algorithm).Observe(duration.Seconds())
	assignedTasksMetric.Add(float64(assigned))
}

func RecordExactFallback(reason string) {
	exactFallbacksMetric.WithLabelValues(reason).Inc()
}

func RecordTransfer() {
	transfersMetric.Inc()
}

func RecordTaskFailure() {
	taskFailuresMetric.Inc()
}

// RecordResidual counts a completion of forgotten work; kind is "task" or "transfer".
func RecordResidual(kind string) {
	residualsMetric.WithLabelValues(kind).Inc()
}

// RecordReset counts a reset; kind is "in_flight" or "all".
func RecordReset(kind string) {
	resetsMetric.WithLabelValues(kind).Inc()
}

// ReportState sets the gauges describing the current computation.
func ReportState(ready, pending, workers, freeCpus int) {
	readyTasksMetric.Set(float64(ready))
	pendingTasksMetric.Set(float64(pending))
	workersMetric.Set(float64(workers))
	freeCpusMetric.Set(float64(freeCpus))
}
