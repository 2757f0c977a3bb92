// Package metrics registers the prometheus collectors exported by the
// coordinator and the nodes on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "conveyor"

	labelResult = "result"
	labelRoute  = "route"
	labelMethod = "method"
	labelCode   = "code"
	labelState  = "state"
	labelPhase  = "phase"
)

// create a new counter for started rebalances
var rebalancesTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "coordinator",
		Name:      "rebalances_total",
		Help:      "number of rebalance generations started by the leader",
	},
)

var generationMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "coordinator",
		Name:      "generation",
		Help:      "current cluster generation",
	},
)

var phaseMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "coordinator",
		Name:      "phase",
		Help:      "1 for the current cluster phase, 0 otherwise",
	},
	[]string{labelPhase},
)

var leaderMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "coordinator",
		Name:      "leader",
		Help:      "1 while this replica holds the leader lease",
	},
)

var reconcileTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "coordinator",
		Name:      "reconcile_total",
		Help:      "number of reconcile passes by result",
	},
	[]string{labelResult},
)

var reconcileDurationMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "coordinator",
		Name:      "reconcile_duration_seconds",
		Help:      "duration of reconcile passes",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	},
)

var heartbeatsTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "coordinator",
		Name:      "heartbeats_total",
		Help:      "number of worker heartbeats received",
	},
)

var membersEvictedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "coordinator",
		Name:      "members_evicted_total",
		Help:      "number of workers evicted after their session timed out",
	},
)

var requestsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "number of REST requests by route, method and status code",
	},
	[]string{labelRoute, labelMethod, labelCode},
)

var workerTasksMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "tasks",
		Help:      "number of tasks held by this worker in each state",
	},
	[]string{labelState},
)

var taskFailuresMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "task_failures_total",
		Help:      "number of tasks that entered the FAILED state",
	},
)

var fencesMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "fences_total",
		Help:      "number of times the worker stopped all tasks after losing its session",
	},
)

func init() {
	prometheus.MustRegister(rebalancesTotalMetric)
	prometheus.MustRegister(generationMetric)
	prometheus.MustRegister(phaseMetric)
	prometheus.MustRegister(leaderMetric)
	prometheus.MustRegister(reconcileTotalMetric)
	prometheus.MustRegister(reconcileDurationMetric)
	prometheus.MustRegister(heartbeatsTotalMetric)
	prometheus.MustRegister(membersEvictedMetric)
	prometheus.MustRegister(requestsTotalMetric)
	prometheus.MustRegister(workerTasksMetric)
	prometheus.MustRegister(taskFailuresMetric)
	prometheus.MustRegister(fencesMetric)
}

func IncreaseRebalances() {
	rebalancesTotalMetric.Inc()
}

// UpdateClusterState records the generation and phase of the latest snapshot.
func UpdateClusterState(generation int64, phase string) {
	generationMetric.Set(float64(generation))
	for _, p := range []string{"stable", "rebalancing"} {
		v := 0.0
		if p == phase {
			v = 1
		}
		phaseMetric.With(prometheus.Labels{labelPhase: p}).Set(v)
	}
}

func SetLeader(leader bool) {
	if leader {
		leaderMetric.Set(1)
	} else {
		leaderMetric.Set(0)
	}
}

// ObserveReconcile records one reconcile pass.
func ObserveReconcile(elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	reconcileTotalMetric.With(prometheus.Labels{labelResult: result}).Inc()
	reconcileDurationMetric.Observe(elapsed.Seconds())
}

func IncreaseHeartbeats() {
	heartbeatsTotalMetric.Inc()
}

func IncreaseEvictions() {
	membersEvictedMetric.Inc()
}

func IncreaseRequests(route, method string, code int) {
	requestsTotalMetric.With(prometheus.Labels{
		labelRoute:  route,
		labelMethod: method,
		labelCode:   codeLabel(code),
	}).Inc()
}

// SetWorkerTasks replaces the per-state task gauge of a worker.
func SetWorkerTasks(counts map[string]int) {
	workerTasksMetric.Reset()
	for state, n := range counts {
		workerTasksMetric.With(prometheus.Labels{labelState: state}).Set(float64(n))
	}
}

func IncreaseTaskFailures() {
	taskFailuresMetric.Inc()
}

func IncreaseFences() {
	fencesMetric.Inc()
}

// Reset clears the vector metrics; tests call it between cases.
func Reset() {
	phaseMetric.Reset()
	reconcileTotalMetric.Reset()
	requestsTotalMetric.Reset()
	workerTasksMetric.Reset()
}

func codeLabel(code int) string {
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
