// Package metrics provides Prometheus instrumentation for the predictor.
//
// Metrics exposed:
//   - gradecast_predict_seconds: Histogram of request latency by transport
//   - gradecast_predictions_total: Counter of scored rows by transport
//   - gradecast_predict_errors_total: Counter of failed requests by transport and error kind
//   - gradecast_reloads_total: Counter of artifact reloads by result
//   - gradecast_model_info: Gauge set to 1 for the loaded run and candidate
//   - gradecast_model_eval_r2: Gauge of the loaded model's evaluation R²
//   - gradecast_model_published_timestamp_seconds: Unix time the loaded run was published
//   - gradecast_model_age_seconds: Seconds since the loaded run was published, computed at scrape time
//
// Metrics implements predict.Observer and rpc.Recorder.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/predict"
)

// Metrics holds all Prometheus metrics for the predictor.
type Metrics struct {
	PredictSeconds   *prometheus.HistogramVec
	PredictionsTotal *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	ReloadsTotal     *prometheus.CounterVec
	ModelInfo        *prometheus.GaugeVec
	ModelEvalR2      prometheus.Gauge
	ModelPublished   prometheus.Gauge
	ModelAgeSeconds  prometheus.GaugeFunc

	publishedAt atomic.Int64 // unix nanoseconds, 0 until a run is loaded
	now         func() time.Time
}

// New creates the predictor metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		now: time.Now,

		PredictSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradecast_predict_seconds",
			Help:    "Time spent serving a prediction request",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport"}),

		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gradecast_predictions_total",
			Help: "Rows scored",
		}, []string{"transport"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gradecast_predict_errors_total",
			Help: "Failed prediction requests by error kind",
		}, []string{"transport", "kind"}),

		ReloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gradecast_reloads_total",
			Help: "Artifact reloads by result",
		}, []string{"result"}),

		ModelInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gradecast_model_info",
			Help: "Loaded model; the series for the serving run is 1",
		}, []string{"run_id", "candidate"}),

		ModelEvalR2: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gradecast_model_eval_r2",
			Help: "Evaluation R² of the loaded model",
		}),

		ModelPublished: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gradecast_model_published_timestamp_seconds",
			Help: "Unix time the loaded run was published",
		}),
	}
	m.ModelAgeSeconds = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gradecast_model_age_seconds",
		Help: "Seconds since the loaded run was published",
	}, m.modelAge)
	return m
}

// ObservePredict records a served request of rows records.
func (m *Metrics) ObservePredict(transport string, rows int, d time.Duration, err error) {
	m.PredictSeconds.WithLabelValues(transport).Observe(d.Seconds())
	if err != nil {
		m.ErrorsTotal.WithLabelValues(transport, errs.Label(err)).Inc()
		return
	}
	m.PredictionsTotal.WithLabelValues(transport).Add(float64(rows))
}

// Reloaded records a successful swap to a new run.
func (m *Metrics) Reloaded(info predict.Info) {
	m.ReloadsTotal.WithLabelValues("success").Inc()
	m.ModelInfo.Reset()
	m.ModelInfo.WithLabelValues(info.RunID, info.Candidate).Set(1)
	m.ModelEvalR2.Set(info.EvalScore)
	m.setPublished(info.PublishedAt)
}

// ReloadFailed records a failed reload; the previous model keeps serving.
func (m *Metrics) ReloadFailed(error) {
	m.ReloadsTotal.WithLabelValues("failure").Inc()
}

func (m *Metrics) setPublished(publishedAt time.Time) {
	if publishedAt.IsZero() {
		return
	}
	m.publishedAt.Store(publishedAt.UnixNano())
	m.ModelPublished.Set(float64(publishedAt.UnixNano()) / 1e9)
}

func (m *Metrics) modelAge() float64 {
	ns := m.publishedAt.Load()
	if ns == 0 {
		return 0
	}
	return m.now().Sub(time.Unix(0, ns)).Seconds()
}
