package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sidekick"

// States and health values exported as one-hot gauges.
var (
	stateLabels  = []string{"stopped", "running", "crashed", "restarting"}
	healthLabels = []string{"unknown", "healthy", "degraded", "unhealthy"}
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"worker"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of unexpected worker exits.",
		}, []string{"worker"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of restart attempts.",
		}, []string{"worker"},
	)
	restartCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restart_count",
			Help:      "Restart attempts since the last reset.",
		}, []string{"worker"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between worker states.",
		}, []string{"worker", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "current_state",
			Help:      "Current worker state (1 = active state, 0 = inactive).",
		}, []string{"worker", "state"},
	)
	currentHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "current_health",
			Help:      "Current worker health (1 = active value, 0 = inactive).",
		}, []string{"worker", "health"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health check outcomes.",
		}, []string{"worker", "result"},
	)
	resourceAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "alerts_total",
			Help:      "Resource threshold breaches.",
		}, []string{"worker", "type"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "cpu_percent",
			Help:      "Last sampled worker CPU usage.",
		}, []string{"worker"},
	)
	memoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "memory_mb",
			Help:      "Last sampled worker resident memory in MB.",
		}, []string{"worker"},
	)
	rpcPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "JSON-RPC requests awaiting a response.",
		}, []string{"worker"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "JSON-RPC call latency by method and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker", "method", "outcome"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		workerStarts, workerCrashes, workerRestarts, restartCount,
		stateTransitions, currentState, currentHealth,
		healthChecks, resourceAlerts, cpuPercent, memoryMB,
		rpcPending, rpcDuration,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Enabled reports whether Register has succeeded.
func Enabled() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(worker string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(worker).Inc()
	}
}

func IncCrash(worker string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(worker).Inc()
	}
}

func IncRestart(worker string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(worker).Inc()
	}
}

func SetRestartCount(worker string, n uint32) {
	if regOK.Load() {
		restartCount.WithLabelValues(worker).Set(float64(n))
	}
}

func RecordStateTransition(worker, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(worker, from, to).Inc()
	}
}

// SetState marks state as the active one for worker.
func SetState(worker, state string) {
	if regOK.Load() {
		setOneHot(currentState, worker, stateLabels, state)
	}
}

// SetHealth marks health as the active one for worker.
func SetHealth(worker, health string) {
	if regOK.Load() {
		setOneHot(currentHealth, worker, healthLabels, health)
	}
}

func setOneHot(g *prometheus.GaugeVec, worker string, all []string, active string) {
	for _, v := range all {
		var value float64
		if v == active {
			value = 1
		}
		g.WithLabelValues(worker, v).Set(value)
	}
}

// IncHealthCheck counts a probe outcome; result is "passed" or "failed".
func IncHealthCheck(worker string, passed bool) {
	if regOK.Load() {
		result := "failed"
		if passed {
			result = "passed"
		}
		healthChecks.WithLabelValues(worker, result).Inc()
	}
}

func IncResourceAlert(worker, alertType string) {
	if regOK.Load() {
		resourceAlerts.WithLabelValues(worker, alertType).Inc()
	}
}

func SetResourceUsage(worker string, cpu, memMB float64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(worker).Set(cpu)
		memoryMB.WithLabelValues(worker).Set(memMB)
	}
}

func SetPendingCalls(worker string, n int) {
	if regOK.Load() {
		rpcPending.WithLabelValues(worker).Set(float64(n))
	}
}

// ObserveCall records a JSON-RPC round trip. outcome is one of "ok",
// "remote_error", "timeout", "cancelled" or "error".
func ObserveCall(worker, method, outcome string, seconds float64) {
	if regOK.Load() {
		rpcDuration.WithLabelValues(worker, method, outcome).Observe(seconds)
	}
}

// ResetWorker drops all per-worker series, used when a worker is removed.
func ResetWorker(worker string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"worker": worker}
	for _, v := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{
		workerStarts, workerCrashes, workerRestarts, restartCount,
		stateTransitions, currentState, currentHealth,
		healthChecks, resourceAlerts, cpuPercent, memoryMB,
		rpcPending, rpcDuration,
	} {
		v.DeletePartialMatch(l)
	}
}
