// Package router configures HTTP routes for the predictor's HTTP API.
//
// Routes configured:
//   - POST /api/predict - Score one student given as a JSON object of raw fields
//   - POST /api/predict/batch - Score a CSV document or a JSON array of objects
//   - GET /api/model - Describe the loaded model
//   - GET /healthz - 200 once a model is loaded, 503 before
//   - GET /metrics - Prometheus metrics endpoint
//
// Batch responses list predictions in input order. With ?format=csv the batch
// is echoed back as CSV with a math_prediction column appended.
package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/gradecast/pkg/adapters"
	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/httpx"
	"github.com/HatiCode/gradecast/pkg/predict"
	"github.com/HatiCode/gradecast/pkg/record"
	"github.com/HatiCode/gradecast/pkg/schema"
)

// PredictionColumn is the column appended to CSV batch responses.
const PredictionColumn = "math_prediction"

const transport = "http"

// Recorder observes served predictions.
type Recorder interface {
	ObservePredict(transport string, rows int, d time.Duration, err error)
}

// Options bounds request sizes.
type Options struct {
	MaxBatch     int
	MaxBodyBytes int64
}

// PredictResponse is the body of a single prediction.
type PredictResponse struct {
	Prediction float64 `json:"prediction"`
	RunID      string  `json:"run_id"`
	Candidate  string  `json:"candidate"`
}

type handler struct {
	svc      *predict.Service
	opts     Options
	logger   *slog.Logger
	recorder Recorder
}

// SetupRoutes configures HTTP endpoints for the predictor. recorder may be nil.
func SetupRoutes(svc *predict.Service, opts Options, logger *slog.Logger, recorder Recorder) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 10000
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	h := &handler{svc: svc, opts: opts, logger: logger, recorder: recorder}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/predict", h.predictOne)
	mux.HandleFunc("POST /api/predict/batch", h.predictBatch)
	mux.HandleFunc("GET /api/model", h.model)
	mux.Handle("GET /healthz", httpx.HealthHandler(func() error {
		if !svc.Ready() {
			return errs.New(errs.ErrArtifactLoad, "health", "no model loaded")
		}
		return nil
	}))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (h *handler) observe(rows int, start time.Time, err error) {
	if h.recorder != nil {
		h.recorder.ObservePredict(transport, rows, time.Since(start), err)
	}
}

func (h *handler) predictOne(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	res, err := func() (predict.Result, error) {
		var values map[string]any
		if err := decodeJSON(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes), &values); err != nil {
			return predict.Result{}, err
		}
		if values == nil {
			return predict.Result{}, errs.New(errs.ErrPredictionInput, "decode request", "body must be a JSON object")
		}
		rec, err := record.FromValues(values)
		if err != nil {
			return predict.Result{}, err
		}
		return h.svc.Predict([]record.Record{rec})
	}()
	h.observe(1, start, err)
	if err != nil {
		httpx.WriteClassifiedError(w, err)
		return
	}

	_ = httpx.WriteJSON(w, http.StatusOK, PredictResponse{
		Prediction: res.Predictions[0],
		RunID:      res.RunID,
		Candidate:  res.Candidate,
	})
}

func (h *handler) predictBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rows := 0

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		err = errs.Wrap(errs.ErrPredictionInput, "read request", err)
		h.observe(0, start, err)
		httpx.WriteClassifiedError(w, err)
		return
	}

	csvInput := isCSV(r.Header.Get("Content-Type"))
	res, records, err := func() (predict.Result, []record.Record, error) {
		records, err := h.readBatch(body, csvInput)
		if err != nil {
			return predict.Result{}, nil, err
		}
		rows = len(records)
		res, err := h.svc.Predict(records)
		return res, records, err
	}()
	h.observe(rows, start, err)
	if err != nil {
		httpx.WriteClassifiedError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		_ = httpx.WriteJSON(w, http.StatusOK, res)
	case "csv":
		h.writeCSV(w, res, records, body, csvInput)
	default:
		httpx.WriteErrorMessage(w, http.StatusBadRequest, "format must be json or csv")
	}
}

func (h *handler) readBatch(body []byte, csvInput bool) ([]record.Record, error) {
	var records []record.Record
	if csvInput {
		var err error
		if records, err = record.ReadCSV(bytes.NewReader(body)); err != nil {
			return nil, err
		}
	} else {
		batch, err := decodeBatch(body)
		if err != nil {
			return nil, err
		}
		if len(batch) > h.opts.MaxBatch {
			return nil, tooLarge(len(batch), h.opts.MaxBatch)
		}
		if records, err = record.FromValuesBatch(batch); err != nil {
			return nil, err
		}
	}
	if len(records) > h.opts.MaxBatch {
		return nil, tooLarge(len(records), h.opts.MaxBatch)
	}
	return records, nil
}

// writeCSV echoes the batch with the prediction column appended. CSV input
// keeps its original columns; JSON input is rendered with the schema columns.
func (h *handler) writeCSV(w http.ResponseWriter, res predict.Result, records []record.Record, body []byte, csvInput bool) {
	var df *adapters.DataFrame
	if csvInput {
		parsed, err := adapters.ReadCSV(bytes.NewReader(body))
		if err != nil {
			httpx.WriteClassifiedError(w, fmt.Errorf("re-read batch: %w", err))
			return
		}
		df = parsed
	} else {
		df = &adapters.DataFrame{Columns: schema.FeatureNames(), Rows: record.Rows(records)}
	}

	df.Columns = append(df.Columns, PredictionColumn)
	for i, row := range df.Rows {
		row[PredictionColumn] = strconv.FormatFloat(res.Predictions[i], 'f', -1, 64)
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("X-Gradecast-Run-Id", res.RunID)
	w.Header().Set("X-Gradecast-Candidate", res.Candidate)
	w.WriteHeader(http.StatusOK)
	if err := df.WriteCSV(w); err != nil {
		h.logger.Error("failed to write CSV response", "error", err)
	}
}

func (h *handler) model(w http.ResponseWriter, _ *http.Request) {
	cur := h.svc.Current()
	if cur == nil {
		httpx.WriteClassifiedError(w, errs.New(errs.ErrArtifactLoad, "model info", "no model is loaded"))
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, cur.Info())
}

// decodeBatch accepts a JSON array of objects or an object with a "records" array.
func decodeBatch(body []byte) ([]map[string]any, error) {
	var raw any
	if err := decodeJSON(bytes.NewReader(body), &raw); err != nil {
		return nil, err
	}
	if obj, ok := raw.(map[string]any); ok {
		raw = obj["records"]
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errs.New(errs.ErrPredictionInput, "decode request", `body must be an array of objects or {"records": [...]}`)
	}

	batch := make([]map[string]any, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, errs.Column(errs.ErrPredictionInput, "decode request", "records", i, "must be an object")
		}
		batch[i] = obj
	}
	return batch, nil
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.ErrPredictionInput, "decode request", err)
	}
	return nil
}

func isCSV(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "text/csv" || mt == "application/csv")
}

func tooLarge(n, limit int) error {
	return errs.New(errs.ErrPredictionInput, "read request", fmt.Sprintf("batch of %d records exceeds the limit of %d", n, limit))
}
