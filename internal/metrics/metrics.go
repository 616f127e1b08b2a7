// Package metrics exposes Prometheus instrumentation for runs and captures.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes.
const (
	OutcomePass    = "pass"
	OutcomeFail    = "fail"
	OutcomeTimeout = "timeout"
	OutcomeLaunch  = "launch_error"
	OutcomeCancel  = "canceled"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pwbridge",
		Name:      "runs_total",
		Help:      "Playwright runs by outcome.",
	}, []string{"outcome"})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pwbridge",
		Name:      "run_duration_seconds",
		Help:      "Wall time of Playwright runs that started.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	exchangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pwbridge",
		Name:      "captured_exchanges_total",
		Help:      "Network exchanges that matched a capture filter.",
	})
	bodyFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pwbridge",
		Name:      "body_fetch_failures_total",
		Help:      "Response bodies that could not be retrieved.",
	})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pwbridge",
		Name:      "capture_sessions_active",
		Help:      "Capture sessions currently open.",
	})
)

// ObserveRun records one run. d is ignored for runs that never started.
func ObserveRun(outcome string, d time.Duration) {
	runsTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeLaunch {
		runDuration.Observe(d.Seconds())
	}
}

// ExchangeCaptured counts one matching exchange.
func ExchangeCaptured() { exchangesTotal.Inc() }

// BodyFetchFailed counts one failed body retrieval.
func BodyFetchFailed() { bodyFailuresTotal.Inc() }

// SessionOpened and SessionClosed track open capture sessions.
func SessionOpened() { activeSessions.Inc() }
func SessionClosed() { activeSessions.Dec() }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
