package router

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/gradecast/internal/fixture"
	"github.com/HatiCode/gradecast/pkg/httpx"
	"github.com/HatiCode/gradecast/pkg/predict"
	"github.com/HatiCode/gradecast/pkg/record"
	"github.com/HatiCode/gradecast/pkg/storage"
)

const studentJSON = `{
	"gender": "female",
	"race/ethnicity": "group B",
	"parental level of education": "bachelor's degree",
	"lunch": "standard",
	"test preparation course": "none",
	"reading score": 72,
	"writing score": 74
}`

const batchCSV = `id,gender,race/ethnicity,parental level of education,lunch,test preparation course,reading score,writing score
s1,female,group B,bachelor's degree,standard,none,72,74
s2,male,group C,some college,free/reduced,completed,55,50
s3,female,group D,high school,standard,none,90,88
`

type fakeRecorder struct {
	mu   sync.Mutex
	rows []int
	errs []error
}

func (f *fakeRecorder) ObservePredict(_ string, rows int, _ time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows)
	f.errs = append(f.errs, err)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadedService(t *testing.T) *predict.Service {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := fixture.Publish(ctx, store, "run-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	svc := predict.NewService(store, predict.Options{}, quietLogger(), nil)
	if _, err := svc.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return svc
}

func serve(mux *http.ServeMux, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	empty := predict.NewService(storage.NewMemoryStore(), predict.Options{}, quietLogger(), nil)
	if w := serve(SetupRoutes(empty, Options{}, quietLogger(), nil), http.MethodGet, "/healthz", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status before load = %d, want 503", w.Code)
	}

	w := serve(SetupRoutes(loadedService(t), Options{}, quietLogger(), nil), http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("status after load = %d body %q", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := SetupRoutes(loadedService(t), Options{}, quietLogger(), nil)
	w := serve(mux, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestPredictOne(t *testing.T) {
	svc := loadedService(t)
	rec := &fakeRecorder{}
	mux := SetupRoutes(svc, Options{}, quietLogger(), rec)

	w := serve(mux, http.MethodPost, "/api/predict", "application/json", studentJSON)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var resp PredictResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != "run-1" || resp.Prediction < 0 || resp.Prediction > 100 {
		t.Errorf("resp = %+v", resp)
	}

	var values map[string]any
	_ = json.Unmarshal([]byte(studentJSON), &values)
	r, err := record.FromValues(values)
	if err != nil {
		t.Fatal(err)
	}
	want, err := svc.Current().PredictOne(r)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Prediction != want {
		t.Errorf("prediction = %v, want %v", resp.Prediction, want)
	}
	if len(rec.rows) != 1 || rec.rows[0] != 1 || rec.errs[0] != nil {
		t.Errorf("recorder = %v %v", rec.rows, rec.errs)
	}
}

func TestPredictOne_Errors(t *testing.T) {
	mux := SetupRoutes(loadedService(t), Options{}, quietLogger(), nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantKind string
	}{
		{"missing writing score", strings.Replace(studentJSON, `"writing score": 74`, `"extra": 1`, 1), http.StatusBadRequest, "prediction_input"},
		{"not json", "{", http.StatusBadRequest, "prediction_input"},
		{"null body", "null", http.StatusBadRequest, "prediction_input"},
		{"array body", "[]", http.StatusBadRequest, "prediction_input"},
		{"bad score", strings.Replace(studentJSON, "72", `"seventy"`, 1), http.StatusBadRequest, "prediction_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(mux, http.MethodPost, "/api/predict", "application/json", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			var resp httpx.ErrorResponse
			_ = json.NewDecoder(w.Body).Decode(&resp)
			if resp.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", resp.Kind, tt.wantKind)
			}
		})
	}
}

func TestPredictOne_NoModel(t *testing.T) {
	svc := predict.NewService(storage.NewMemoryStore(), predict.Options{}, quietLogger(), nil)
	mux := SetupRoutes(svc, Options{}, quietLogger(), nil)

	if w := serve(mux, http.MethodPost, "/api/predict", "application/json", studentJSON); w.Code != http.StatusServiceUnavailable {
		t.Errorf("predict status = %d, want 503", w.Code)
	}
	if w := serve(mux, http.MethodGet, "/api/model", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("model status = %d, want 503", w.Code)
	}
}

func TestPredictOne_MethodNotAllowed(t *testing.T) {
	mux := SetupRoutes(loadedService(t), Options{}, quietLogger(), nil)
	if w := serve(mux, http.MethodGet, "/api/predict", "", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestPredictBatch_MatchesSingle(t *testing.T) {
	svc := loadedService(t)
	mux := SetupRoutes(svc, Options{}, quietLogger(), nil)

	fields := fixture.Fields(20, 9)
	body, _ := json.Marshal(fields)
	w := serve(mux, http.MethodPost, "/api/predict/batch", "application/json", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var res predict.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if len(res.Predictions) != len(fields) {
		t.Fatalf("got %d predictions, want %d", len(res.Predictions), len(fields))
	}

	for i, f := range fields {
		one, _ := json.Marshal(f)
		w := serve(mux, http.MethodPost, "/api/predict", "application/json", string(one))
		var single PredictResponse
		if err := json.NewDecoder(w.Body).Decode(&single); err != nil {
			t.Fatal(err)
		}
		if single.Prediction != res.Predictions[i] {
			t.Errorf("row %d: batch %v, single %v", i, res.Predictions[i], single.Prediction)
		}
	}
}

func TestPredictBatch_RecordsWrapper(t *testing.T) {
	mux := SetupRoutes(loadedService(t), Options{}, quietLogger(), nil)

	w := serve(mux, http.MethodPost, "/api/predict/batch", "application/json", `{"records": [`+studentJSON+`,`+studentJSON+`]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var res predict.Result
	_ = json.NewDecoder(w.Body).Decode(&res)
	if len(res.Predictions) != 2 || res.Predictions[0] != res.Predictions[1] {
		t.Errorf("predictions = %v", res.Predictions)
	}
}

func TestPredictBatch_CSV(t *testing.T) {
	mux := SetupRoutes(loadedService(t), Options{}, quietLogger(), nil)

	w := serve(mux, http.MethodPost, "/api/predict/batch", "text/csv; charset=utf-8", batchCSV)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var res predict.Result
	_ = json.NewDecoder(w.Body).Decode(&res)
	if len(res.Predictions) != 3 {
		t.Fatalf("predictions = %v", res.Predictions)
	}

	w = serve(mux, http.MethodPost, "/api/predict/batch?format=csv", "text/csv", batchCSV)
	if w.Code != http.StatusOK {
		t.Fatalf("csv status = %d body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-Gradecast-Run-Id") != "run-1" {
		t.Errorf("run id header = %q", w.Header().Get("X-Gradecast-Run-Id"))
	}
	rows, err := csv.NewReader(w.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("csv rows = %d, want header + 3", len(rows))
	}
	header := rows[0]
	if header[0] != "id" || header[len(header)-1] != PredictionColumn {
		t.Errorf("header = %v", header)
	}
	if rows[2][0] != "s2" {
		t.Errorf("row order lost: %v", rows[2])
	}
}

func TestPredictBatch_JSONAsCSV(t *testing.T) {
	mux := SetupRoutes(loadedService(t), Options{}, quietLogger(), nil)

	w := serve(mux, http.MethodPost, "/api/predict/batch?format=csv", "application/json", "["+studentJSON+"]")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	rows, err := csv.NewReader(w.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0][0] != "gender" || rows[0][len(rows[0])-1] != PredictionColumn {
		t.Errorf("rows = %v", rows)
	}
}

func TestPredictBatch_Errors(t *testing.T) {
	mux := SetupRoutes(loadedService(t), Options{MaxBatch: 2}, quietLogger(), nil)

	missingColumn := strings.Replace(batchCSV, ",writing score", "", 1)
	badRow := strings.Replace(batchCSV, "s2,male,group C,some college,free/reduced,completed,55,50", "s2,male,group C,some college,free/reduced,completed,55,", 1)

	tests := []struct {
		name        string
		target      string
		contentType string
		body        string
		wantCode    int
		wantRow     *int
	}{
		{"too many rows", "/api/predict/batch", "text/csv", batchCSV, http.StatusBadRequest, nil},
		{"too many objects", "/api/predict/batch", "application/json", "[{},{},{}]", http.StatusBadRequest, nil},
		{"missing column", "/api/predict/batch", "text/csv", missingColumn, http.StatusBadRequest, nil},
		{"bad row", "/api/predict/batch", "text/csv", strings.Join(strings.Split(badRow, "\n")[:3], "\n"), http.StatusBadRequest, intPtr(1)},
		{"not an object", "/api/predict/batch", "application/json", `[1]`, http.StatusBadRequest, intPtr(0)},
		{"bad shape", "/api/predict/batch", "application/json", `{"rows": []}`, http.StatusBadRequest, nil},
		{"bad format", "/api/predict/batch?format=xml", "application/json", "[" + studentJSON + "]", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(mux, http.MethodPost, tt.target, tt.contentType, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantRow == nil {
				return
			}
			var resp httpx.ErrorResponse
			_ = json.NewDecoder(w.Body).Decode(&resp)
			if resp.Row == nil || *resp.Row != *tt.wantRow {
				t.Errorf("row = %v, want %d", resp.Row, *tt.wantRow)
			}
		})
	}
}

func TestPredictBatch_BodyLimit(t *testing.T) {
	mux := SetupRoutes(loadedService(t), Options{MaxBodyBytes: 64}, quietLogger(), nil)
	w := serve(mux, http.MethodPost, "/api/predict/batch", "text/csv", batchCSV)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestModelEndpoint(t *testing.T) {
	svc := loadedService(t)
	mux := SetupRoutes(svc, Options{}, quietLogger(), nil)

	w := serve(mux, http.MethodGet, "/api/model", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var info predict.Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.RunID != "run-1" || info.Candidate != svc.Current().Info().Candidate || !info.Clipped {
		t.Errorf("info = %+v", info)
	}
}

func intPtr(i int) *int { return &i }
