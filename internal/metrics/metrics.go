package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	timersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timewarden",
			Subsystem: "timer",
			Name:      "created_total",
			Help:      "Number of timers created via the public API.",
		}, []string{"kind"},
	)
	timersClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timewarden",
			Subsystem: "timer",
			Name:      "claimed_total",
			Help:      "Number of timers claimed by this node's dispatcher.",
		}, []string{},
	)
	timersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timewarden",
			Subsystem: "timer",
			Name:      "fired_total",
			Help:      "Number of timers dispatched to their callable.",
		}, []string{"module", "function"},
	)
	timersFaulted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timewarden",
			Subsystem: "timer",
			Name:      "executor_faults_total",
			Help:      "Number of ExecutorFault occurrences (handler error or panic).",
		}, []string{"module", "function"},
	)
	orphansReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timewarden",
			Subsystem: "timer",
			Name:      "orphans_reclaimed_total",
			Help:      "Number of executing=true leases reclaimed after a crashed worker.",
		}, []string{},
	)
	dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "timewarden",
			Subsystem: "dispatcher",
			Name:      "latency_seconds",
			Help:      "Wall-clock gap between a timer's expires_at and the moment it was claimed.",
			Buckets:   prometheus.DefBuckets,
		}, []string{},
	)
	armedSleepGap = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "timewarden",
			Subsystem: "dispatcher",
			Name:      "armed_sleep_seconds",
			Help:      "Gap between now and the instant of each dispatcher arm request (negative when already overdue).",
			Buckets:   prometheus.DefBuckets,
		}, []string{},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		timersCreated, timersClaimed, timersFired, timersFaulted,
		orphansReclaimed, dispatchLatency, armedSleepGap,
	}
	for _, c := range cs {
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCreated(kind string) {
	if regOK.Load() {
		timersCreated.WithLabelValues(kind).Inc()
	}
}

func IncClaimed() {
	if regOK.Load() {
		timersClaimed.WithLabelValues().Inc()
	}
}

func IncFired(module, function string) {
	if regOK.Load() {
		timersFired.WithLabelValues(module, function).Inc()
	}
}

func IncExecutorFault(module, function string) {
	if regOK.Load() {
		timersFaulted.WithLabelValues(module, function).Inc()
	}
}

func IncOrphanReclaimed() {
	if regOK.Load() {
		orphansReclaimed.WithLabelValues().Inc()
	}
}

func ObserveDispatchLatency(seconds float64) {
	if regOK.Load() {
		dispatchLatency.WithLabelValues().Observe(seconds)
	}
}

func ObserveArmedSleepGap(seconds float64) {
	if regOK.Load() {
		armedSleepGap.WithLabelValues().Observe(seconds)
	}
}
