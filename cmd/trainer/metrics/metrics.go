// Package metrics provides Prometheus instrumentation for the trainer.
//
// Metrics exposed:
//   - gradecast_training_stage_seconds: Histogram of pipeline stage durations
//   - gradecast_candidate_eval_r2: Gauge of each candidate's evaluation R²
//   - gradecast_candidate_cv_r2: Gauge of each candidate's mean cross-validation R²
//   - gradecast_candidate_duration_seconds: Gauge of each candidate's search and refit time
//   - gradecast_candidate_failures_total: Counter of failed or timed-out candidates
//   - gradecast_selected_eval_r2: Gauge of the published model's evaluation R²
//   - gradecast_training_runs_total: Counter of runs by outcome
//
// Metrics implements pipeline.Observer.
package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/training"
)

// Metrics holds all Prometheus metrics for the trainer.
type Metrics struct {
	StageSeconds      *prometheus.HistogramVec
	CandidateEvalR2   *prometheus.GaugeVec
	CandidateCVR2     *prometheus.GaugeVec
	CandidateSeconds  *prometheus.GaugeVec
	CandidateFailures *prometheus.CounterVec
	SelectedEvalR2    prometheus.Gauge
	RunsTotal         *prometheus.CounterVec
}

// New creates the trainer metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradecast_training_stage_seconds",
			Help:    "Time spent in each training pipeline stage",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),

		CandidateEvalR2: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gradecast_candidate_eval_r2",
			Help: "Evaluation R² of each candidate in the latest run",
		}, []string{"candidate"}),

		CandidateCVR2: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gradecast_candidate_cv_r2",
			Help: "Mean cross-validation R² of each candidate's best grid point in the latest run",
		}, []string{"candidate"}),

		CandidateSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gradecast_candidate_duration_seconds",
			Help: "Search and refit time of each candidate in the latest run",
		}, []string{"candidate"}),

		CandidateFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gradecast_candidate_failures_total",
			Help: "Candidates excluded from selection by status",
		}, []string{"candidate", "status"}),

		SelectedEvalR2: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gradecast_selected_eval_r2",
			Help: "Evaluation R² of the published model",
		}),

		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gradecast_training_runs_total",
			Help: "Training runs by outcome",
		}, []string{"outcome"}),
	}
}

// StageCompleted records the duration of a pipeline stage.
func (m *Metrics) StageCompleted(stage string, d time.Duration) {
	m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// CandidateEvaluated records one candidate's outcome.
func (m *Metrics) CandidateEvaluated(r training.Result) {
	m.CandidateSeconds.WithLabelValues(r.Name).Set(r.Duration.Seconds())
	if r.Status != training.StatusOK {
		m.CandidateFailures.WithLabelValues(r.Name, string(r.Status)).Inc()
		m.CandidateEvalR2.DeleteLabelValues(r.Name)
		m.CandidateCVR2.DeleteLabelValues(r.Name)
		return
	}
	m.CandidateEvalR2.WithLabelValues(r.Name).Set(r.EvalScore)
	if !math.IsNaN(r.CVScore) {
		m.CandidateCVR2.WithLabelValues(r.Name).Set(r.CVScore)
	}
}

// RecordRun counts a finished run; a published run also sets the selected score.
func (m *Metrics) RecordRun(evalScore float64, err error) {
	if err != nil {
		m.RunsTotal.WithLabelValues(errs.Label(err)).Inc()
		return
	}
	m.RunsTotal.WithLabelValues("published").Inc()
	m.SelectedEvalR2.Set(evalScore)
}
