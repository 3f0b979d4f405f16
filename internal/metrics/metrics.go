// Package metrics exports pipeline metrics to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"labcore/pkg/domain"
)

// Recorder holds the labcore collectors. It satisfies the pipeline's
// MetricsRecorder and RunObserver contracts.
type Recorder struct {
	runs       *prometheus.CounterVec
	biomarkers *prometheus.CounterVec
	errors     *prometheus.CounterVec
	stages     *prometheus.HistogramVec
}

// New creates the collectors under namespace and registers them with reg.
// A nil reg uses a fresh registry, which keeps tests isolated.
func New(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	if namespace == "" {
		namespace = "labcore"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal status.",
		}, []string{"status"}),
		biomarkers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "biomarkers_total",
			Help:      "Classified biomarkers by status and severity.",
		}, []string{"status", "severity"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Pipeline errors by kind.",
		}, []string{"kind"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"stage", "outcome"}),
	}
	for _, c := range []prometheus.Collector{r.runs, r.biomarkers, r.errors, r.stages} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records one stage duration.
func (r *Recorder) Observe(_ context.Context, stage string, success bool, d time.Duration) {
	if stage == "" {
		return
	}
	outcome := "error"
	if success {
		outcome = "success"
	}
	r.stages.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// ObserveRun records the terminal status of a run with its results and errors.
func (r *Recorder) ObserveRun(status string, results []domain.BiomarkerResult, errs []domain.ErrorRecord) {
	r.runs.WithLabelValues(status).Inc()
	for _, res := range results {
		r.biomarkers.WithLabelValues(string(res.Status), string(res.Severity)).Inc()
	}
	for _, e := range errs {
		r.errors.WithLabelValues(string(e.Kind)).Inc()
	}
}
