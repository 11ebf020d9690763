package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/HatiCode/gradecast/internal/studentdata"
	"github.com/HatiCode/gradecast/pkg/adapters"
	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSource(t *testing.T, df *adapters.DataFrame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "students.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := df.WriteCSV(f); err != nil {
		t.Fatal(err)
	}
	return path
}

func ids(df *adapters.DataFrame) []string {
	out := make([]string, len(df.Rows))
	for i, r := range df.Rows {
		out[i] = r[studentdata.IDColumn]
	}
	return out
}

// Scenario: 1,000 rows at ratio 0.8 give 800/200 and the same split twice.
func TestIngest_SplitSizesAndReproducibility(t *testing.T) {
	src := writeSource(t, studentdata.Generate(1000, 1))

	run := func() (Locations, []string, []string) {
		dir := t.TempDir()
		ing := New(Options{DataDir: dir, TrainRatio: 0.8, Seed: 1234}, quietLogger())
		loc, err := ing.Ingest(context.Background(), src)
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		train, err := Load(context.Background(), loc.Train)
		if err != nil {
			t.Fatalf("Load(train) error = %v", err)
		}
		eval, err := Load(context.Background(), loc.Eval)
		if err != nil {
			t.Fatalf("Load(eval) error = %v", err)
		}
		return loc, ids(train), ids(eval)
	}

	loc1, train1, eval1 := run()
	_, train2, eval2 := run()

	if loc1.TrainRows != 800 || len(train1) != 800 {
		t.Errorf("train rows = %d/%d, want 800", loc1.TrainRows, len(train1))
	}
	if loc1.EvalRows != 200 || len(eval1) != 200 {
		t.Errorf("eval rows = %d/%d, want 200", loc1.EvalRows, len(eval1))
	}
	if !reflect.DeepEqual(train1, train2) || !reflect.DeepEqual(eval1, eval2) {
		t.Error("same seed and source produced different splits")
	}

	seen := make(map[string]bool, 1000)
	for _, id := range append(append([]string{}, train1...), eval1...) {
		if seen[id] {
			t.Fatalf("row %s appears twice", id)
		}
		seen[id] = true
	}
	if len(seen) != 1000 {
		t.Errorf("union has %d rows, want 1000", len(seen))
	}
}

func TestIngest_WritesRawCopy(t *testing.T) {
	df := studentdata.Generate(20, 2)
	src := writeSource(t, df)
	dir := t.TempDir()

	loc, err := New(Options{DataDir: dir, Seed: 1}, quietLogger()).Ingest(context.Background(), src)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	want, _ := os.ReadFile(src)
	got, err := os.ReadFile(loc.Raw)
	if err != nil {
		t.Fatalf("read raw copy: %v", err)
	}
	if string(got) != string(want) {
		t.Error("raw copy differs from source")
	}
	if loc.Raw != filepath.Join(dir, RawFile) {
		t.Errorf("Raw = %q", loc.Raw)
	}
}

func TestIngest_DifferentSeedDifferentSplit(t *testing.T) {
	src := writeSource(t, studentdata.Generate(200, 3))

	loc1, err := New(Options{DataDir: t.TempDir(), Seed: 1}, quietLogger()).Ingest(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	loc2, err := New(Options{DataDir: t.TempDir(), Seed: 2}, quietLogger()).Ingest(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	e1, _ := Load(context.Background(), loc1.Eval)
	e2, _ := Load(context.Background(), loc2.Eval)
	if reflect.DeepEqual(ids(e1), ids(e2)) {
		t.Error("different seeds produced identical eval subsets")
	}
}

func TestIngest_PublicHeaderSpelling(t *testing.T) {
	csv := "gender,race/ethnicity,parental level of education,lunch,test preparation course,math score,reading score,writing score\n" +
		"female,group B,bachelor's degree,standard,none,72,72,74\n" +
		"female,group C,some college,standard,completed,69,90,88\n" +
		"male,group A,associate's degree,free/reduced,none,47,57,44\n"
	path := filepath.Join(t.TempDir(), "StudentsPerformance.csv")
	if err := os.WriteFile(path, []byte(csv), 0o600); err != nil {
		t.Fatal(err)
	}

	loc, err := New(Options{DataDir: t.TempDir(), Seed: 1}, quietLogger()).Ingest(context.Background(), path)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	train, err := Load(context.Background(), loc.Train)
	if err != nil {
		t.Fatal(err)
	}
	if missing := schema.Missing(train.Columns, schema.Required()); len(missing) != 0 {
		t.Errorf("train split missing %v", missing)
	}
	if loc.TrainRows != 2 || loc.EvalRows != 1 {
		t.Errorf("split = %d/%d, want 2/1", loc.TrainRows, loc.EvalRows)
	}
}

func TestIngest_SchemaValidation(t *testing.T) {
	tests := []struct {
		name       string
		csv        string
		wantColumn string
	}{
		{
			name:       "missing column",
			csv:        "gender,lunch\nfemale,standard\n",
			wantColumn: schema.RaceEthnicity,
		},
		{
			name: "header only",
			csv:  strings.Join(schema.Required(), ",") + "\n",
		},
		{
			name:       "empty file",
			csv:        "",
			wantColumn: schema.Gender,
		},
		{
			name: "single row",
			csv:  strings.Join(schema.Required(), ",") + "\nfemale,group A,high school,standard,none,70,70,70\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "in.csv")
			if err := os.WriteFile(path, []byte(tt.csv), 0o600); err != nil {
				t.Fatal(err)
			}

			_, err := New(Options{DataDir: t.TempDir()}, quietLogger()).Ingest(context.Background(), path)
			if !errors.Is(err, errs.ErrSchemaValidation) {
				t.Fatalf("Ingest() error = %v, want ErrSchemaValidation", err)
			}

			var e *errs.Error
			if tt.wantColumn != "" && (!errors.As(err, &e) || e.Column != tt.wantColumn) {
				t.Errorf("error column = %v, want %q", err, tt.wantColumn)
			}
		})
	}
}

func TestIngest_FailedValidationLeavesPreviousRun(t *testing.T) {
	dir := t.TempDir()
	ing := New(Options{DataDir: dir, Seed: 1}, quietLogger())

	good := writeSource(t, studentdata.Generate(10, 4))
	loc, err := ing.Ingest(context.Background(), good)
	if err != nil {
		t.Fatalf("Ingest(good) error = %v", err)
	}

	before := make(map[string]string)
	for _, path := range []string{loc.Raw, loc.Train, loc.Eval} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		before[path] = string(data)
	}

	bad := filepath.Join(t.TempDir(), "bad.csv")
	if err := os.WriteFile(bad, []byte("foo,bar\n1,2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ing.Ingest(context.Background(), bad); !errors.Is(err, errs.ErrSchemaValidation) {
		t.Fatalf("Ingest(bad) error = %v, want ErrSchemaValidation", err)
	}

	for path, want := range before {
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("%s changed after a failed ingestion", filepath.Base(path))
		}
	}
}

func TestSplit_InvalidRatio(t *testing.T) {
	df := studentdata.Generate(10, 1)
	for _, r := range []float64{0, 1, -0.5, 1.5} {
		if _, _, err := Split(df, r, 1); err == nil {
			t.Errorf("Split(ratio=%v) expected error", r)
		}
	}
}

func TestSplit_SmallDataset(t *testing.T) {
	df := studentdata.Generate(3, 1)
	train, eval, err := Split(df, 0.8, 9)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if train.Len() != 2 || eval.Len() != 1 {
		t.Errorf("split = %d/%d, want 2/1", train.Len(), eval.Len())
	}
}

func TestIngest_HTTPSourceUsesConfiguredClient(t *testing.T) {
	df := studentdata.Generate(50, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_ = df.WriteCSV(w)
	}))
	defer srv.Close()

	calls := 0
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return http.DefaultTransport.RoundTrip(r)
	})}

	ing := New(Options{DataDir: t.TempDir(), Seed: 1, HTTPClient: client}, quietLogger())
	loc, err := ing.Ingest(context.Background(), srv.URL+"/students.csv")
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("client calls = %d, want 1", calls)
	}
	if loc.TrainRows+loc.EvalRows != 50 {
		t.Errorf("rows = %d+%d, want 50", loc.TrainRows, loc.EvalRows)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
