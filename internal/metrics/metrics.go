// Package metrics exposes Prometheus collectors for runs, results, pipeline
// stages and background tasks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

const Namespace = "tmrun"

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "runs_total",
		Help:      "Runs that reached a terminal status",
	}, []string{"status"})

	runsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "runs_active",
		Help:      "Run pipelines currently executing",
	})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "test_results_total",
		Help:      "Ingested test results",
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of run pipeline stages",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "tasks_total",
		Help:      "Background tasks by kind and result",
	}, []string{"kind", "result"})

	submissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "submissions_rejected_total",
		Help:      "Run submissions rejected before a run was created",
	}, []string{"code"})
)

// RecordRunStarted increments the active pipeline gauge.
func RecordRunStarted() {
	runsActive.Inc()
}

// RecordRunFinished records a terminal status and decrements the active gauge.
func RecordRunFinished(status domain.RunStatus) {
	if !status.IsTerminal() {
		log.Warn(log.CatRun, "RecordRunFinished with non-terminal status", "status", status.String())
		return
	}
	runsActive.Dec()
	runsTotal.WithLabelValues(status.String()).Inc()
}

// RecordResults adds ingested counts.
func RecordResults(c domain.Counts) {
	resultsTotal.WithLabelValues(string(domain.ResultPassed)).Add(float64(c.Passed))
	resultsTotal.WithLabelValues(string(domain.ResultFailed)).Add(float64(c.Failed))
	resultsTotal.WithLabelValues(string(domain.ResultSkipped)).Add(float64(c.Skipped))
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordTask counts one finished task. result is "ok", "retry" or "failed".
func RecordTask(kind, result string) {
	tasksTotal.WithLabelValues(kind, result).Inc()
}

// RecordRejected counts a submission rejected with a request error code.
func RecordRejected(code string) {
	submissionsRejected.WithLabelValues(code).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
