package predict

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/gradecast/internal/fixture"
	"github.com/HatiCode/gradecast/pkg/artifact"
	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/models"
	"github.com/HatiCode/gradecast/pkg/record"
	"github.com/HatiCode/gradecast/pkg/storage"
)

func trainSet(t *testing.T, runID string, r models.Regressor) storage.Set {
	t.Helper()
	set, err := fixture.Set(runID, r)
	if err != nil {
		t.Fatalf("fixture.Set: %v", err)
	}
	return set
}

func requests(t *testing.T, n int) []record.Record {
	t.Helper()
	recs, err := fixture.Records(n, 99)
	if err != nil {
		t.Fatalf("fixture.Records: %v", err)
	}
	return recs
}

func publish(t *testing.T, store storage.Store, set storage.Set) {
	t.Helper()
	if err := store.Publish(context.Background(), set); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestLoad(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, trainSet(t, "run-1", models.NewRidge(1)))

	sc, err := Load(context.Background(), store, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	info := sc.Info()
	if info.RunID != "run-1" || info.Candidate != models.Ridge || !info.Clipped {
		t.Errorf("Info() = %+v", info)
	}
}

func TestLoad_Failures(t *testing.T) {
	good := trainSet(t, "run-1", models.NewRidge(1))
	other := trainSet(t, "run-2", models.NewRidge(1))
	corrupt := append([]byte(nil), good.Model...)
	corrupt[len(corrupt)-5] ^= 0xff

	tests := []struct {
		name string
		set  *storage.Set
	}{
		{"nothing published", nil},
		{"mixed runs", &storage.Set{RunID: "run-1", Preprocessor: good.Preprocessor, Model: other.Model}},
		{"corrupt model", &storage.Set{RunID: "run-1", Preprocessor: good.Preprocessor, Model: corrupt}},
		{"swapped blobs", &storage.Set{RunID: "run-1", Preprocessor: good.Model, Model: good.Preprocessor}},
		{"pointer mismatch", &storage.Set{RunID: "run-9", Preprocessor: good.Preprocessor, Model: good.Model}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			if tt.set != nil {
				publish(t, store, *tt.set)
			}
			_, err := Load(context.Background(), store, Options{})
			if !errors.Is(err, errs.ErrArtifactLoad) {
				t.Errorf("err = %v, want ErrArtifactLoad", err)
			}
		})
	}
}

func TestFromSet_RaggedEstimator(t *testing.T) {
	set := trainSet(t, "run-1", models.NewKNN(3, false))

	meta, err := artifact.DecodeModel(set.Model)
	if err != nil {
		t.Fatal(err)
	}
	var knn models.KNNRegressor
	if err := json.Unmarshal(meta.Estimator, &knn); err != nil {
		t.Fatal(err)
	}
	knn.X[len(knn.X)-1] = []float64{1.0}
	if meta.Estimator, err = json.Marshal(&knn); err != nil {
		t.Fatal(err)
	}
	if set.Model, err = artifact.EncodeModel(meta); err != nil {
		t.Fatal(err)
	}

	if _, err := FromSet(set, Options{}); !errors.Is(err, errs.ErrArtifactLoad) {
		t.Errorf("FromSet() err = %v, want ErrArtifactLoad", err)
	}
}

type panickingRegressor struct{ models.Regressor }

func (panickingRegressor) Name() string { return "broken" }

func (panickingRegressor) Predict([][]float64) ([]float64, error) {
	var row []float64
	return []float64{row[1]}, nil
}

func TestTryPredict_RecoversPanic(t *testing.T) {
	if err := tryPredict(panickingRegressor{}, 4); err == nil {
		t.Error("tryPredict() expected error from panicking estimator")
	}
	if err := tryPredict(models.NewKNN(1, false), 4); !errors.Is(err, models.ErrNotFitted) {
		t.Errorf("tryPredict(unfitted) err = %v, want ErrNotFitted", err)
	}
}

func TestPredict_BatchEqualsSingle(t *testing.T) {
	estimators := []models.Regressor{
		models.NewLinear(),
		models.NewTree(models.TreeOptions{MaxDepth: 5, MinSamplesLeaf: 3}),
		models.NewKNN(5, true),
	}
	recs := requests(t, 25)
	for _, est := range estimators {
		t.Run(est.Name(), func(t *testing.T) {
			store := storage.NewMemoryStore()
			publish(t, store, trainSet(t, "run-1", est))
			sc, err := Load(context.Background(), store, Options{})
			if err != nil {
				t.Fatal(err)
			}

			batch, err := sc.Predict(recs)
			if err != nil {
				t.Fatalf("Predict: %v", err)
			}
			if len(batch) != len(recs) {
				t.Fatalf("got %d predictions for %d records", len(batch), len(recs))
			}
			for i, r := range recs {
				one, err := sc.PredictOne(r)
				if err != nil {
					t.Fatal(err)
				}
				if one != batch[i] {
					t.Errorf("record %d: single %v, batch %v", i, one, batch[i])
				}
			}
		})
	}
}

func TestPredict_Clipping(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, trainSet(t, "run-1", models.NewLinear()))

	extreme := requests(t, 1)[0]
	extreme.ReadingScore = 400
	extreme.WritingScore = 400

	clipped, err := Load(context.Background(), store, Options{})
	if err != nil {
		t.Fatal(err)
	}
	v, err := clipped.PredictOne(extreme)
	if err != nil {
		t.Fatal(err)
	}
	if v != 100 {
		t.Errorf("clipped prediction = %v, want 100", v)
	}

	raw, err := Load(context.Background(), store, Options{Unclipped: true})
	if err != nil {
		t.Fatal(err)
	}
	v, err = raw.PredictOne(extreme)
	if err != nil {
		t.Fatal(err)
	}
	if v <= 100 {
		t.Errorf("raw prediction = %v, want above 100", v)
	}
}

func TestPredict_Empty(t *testing.T) {
	store := storage.NewMemoryStore()
	publish(t, store, trainSet(t, "run-1", models.NewLinear()))
	sc, _ := Load(context.Background(), store, Options{})

	out, err := sc.Predict(nil)
	if err != nil || len(out) != 0 {
		t.Errorf("Predict(nil) = %v, %v", out, err)
	}
}

func TestService_ReloadSwapsWholePairs(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store, Options{}, nil, nil)

	if svc.Ready() {
		t.Fatal("service ready before load")
	}
	if _, err := svc.Predict(requests(t, 1)); !errors.Is(err, errs.ErrArtifactLoad) {
		t.Fatalf("Predict before load: err = %v", err)
	}
	if _, err := svc.Reload(context.Background()); !errors.Is(err, errs.ErrArtifactLoad) {
		t.Fatalf("Reload on empty store: err = %v", err)
	}

	publish(t, store, trainSet(t, "run-1", models.NewRidge(1)))
	changed, err := svc.Reload(context.Background())
	if err != nil || !changed {
		t.Fatalf("Reload = %v, %v", changed, err)
	}
	changed, err = svc.Reload(context.Background())
	if err != nil || changed {
		t.Fatalf("second Reload = %v, %v; want unchanged", changed, err)
	}

	good := trainSet(t, "run-2", models.NewRidge(1))
	publish(t, store, storage.Set{RunID: "run-3", Preprocessor: good.Preprocessor, Model: good.Model})
	if _, err := svc.Reload(context.Background()); !errors.Is(err, errs.ErrArtifactLoad) {
		t.Fatalf("Reload of inconsistent pair: err = %v", err)
	}
	if got := svc.Current().Info().RunID; got != "run-1" {
		t.Errorf("failed reload replaced context with %s", got)
	}

	publish(t, store, trainSet(t, "run-4", models.NewLinear()))
	if _, err := svc.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Predict(requests(t, 3))
	if err != nil {
		t.Fatal(err)
	}
	if res.RunID != "run-4" || res.Candidate != models.LinearRegression || len(res.Predictions) != 3 {
		t.Errorf("Predict = %+v", res)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	reloaded []string
	failed   int
}

func (o *countingObserver) Reloaded(info Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reloaded = append(o.reloaded, info.RunID)
}

func (o *countingObserver) ReloadFailed(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func TestService_Run(t *testing.T) {
	store := storage.NewMemoryStore()
	obs := &countingObserver{}
	svc := NewService(store, Options{}, nil, obs)
	publish(t, store, trainSet(t, "run-1", models.NewRidge(1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for !svc.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	publish(t, store, trainSet(t, "run-2", models.NewRidge(10)))
	for time.Now().Before(deadline) {
		if cur := svc.Current(); cur != nil && cur.Info().RunID == "run-2" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
	if got := svc.Current().Info().RunID; got != "run-2" {
		t.Errorf("serving %s, want run-2", got)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.reloaded) != 2 {
		t.Errorf("observer saw reloads %v", obs.reloaded)
	}
}

// TestService_ConcurrentPredictDuringReload checks that every response names
// the run whose pair produced it while runs are swapped underneath.
func TestService_ConcurrentPredictDuringReload(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store, Options{}, nil, nil)

	sets := []storage.Set{
		trainSet(t, "run-a", models.NewRidge(1)),
		trainSet(t, "run-b", models.NewTree(models.TreeOptions{MaxDepth: 4})),
	}
	recs := requests(t, 8)
	expected := make(map[string][]float64)
	for _, set := range sets {
		sc, err := FromSet(set, Options{})
		if err != nil {
			t.Fatal(err)
		}
		expected[set.RunID], _ = sc.Predict(recs)
	}

	publish(t, store, sets[0])
	if _, err := svc.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := svc.Predict(recs)
				if err != nil {
					t.Errorf("Predict: %v", err)
					return
				}
				want := expected[res.RunID]
				for i := range want {
					if res.Predictions[i] != want[i] {
						t.Errorf("run %s row %d: %v, want %v", res.RunID, i, res.Predictions[i], want[i])
						return
					}
				}
			}
		}()
	}

	for i := range 20 {
		set := sets[(i+1)%2]
		// MemoryStore keeps one pair; republishing the same ids alternates them.
		publish(t, store, set)
		if _, err := svc.Reload(context.Background()); err != nil {
			t.Errorf("Reload: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
