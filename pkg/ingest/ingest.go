// Package ingest loads a raw dataset, validates it against the feature schema,
// splits it into training and evaluation subsets, and persists the raw copy
// and both splits as CSV files.
//
// The split is a seeded random permutation, so the same source and seed always
// produce the same subsets:
//
//	ing := ingest.New(ingest.Options{DataDir: "artifacts/data", TrainRatio: 0.8, Seed: 42}, logger)
//	loc, err := ing.Ingest(ctx, "data/students.csv")
//	// loc.Train, loc.Eval, loc.Raw
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/HatiCode/gradecast/pkg/adapters"
	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/schema"
	"github.com/HatiCode/gradecast/pkg/storage"
)

// File names written under Options.DataDir.
const (
	RawFile   = "raw.csv"
	TrainFile = "train.csv"
	EvalFile  = "eval.csv"
)

// Defaults.
const (
	DefaultTrainRatio = 0.8
	DefaultSeed       = 42
)

// Options configures ingestion.
type Options struct {
	DataDir    string
	TrainRatio float64
	Seed       uint64
	// AdapterConfig is passed to adapters.New for every source.
	AdapterConfig map[string]string
	// HTTPClient is used by the HTTP adapter when set.
	HTTPClient *http.Client
}

// Locations are the durable outputs of one ingestion.
type Locations struct {
	Raw   string
	Train string
	Eval  string

	RawRows   int
	TrainRows int
	EvalRows  int
}

// Ingestor runs the ingestion stage.
type Ingestor struct {
	opts   Options
	logger *slog.Logger
}

// New creates an Ingestor, filling zero options with defaults.
func New(opts Options, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TrainRatio <= 0 || opts.TrainRatio >= 1 {
		opts.TrainRatio = DefaultTrainRatio
	}
	if opts.DataDir == "" {
		opts.DataDir = "artifacts/data"
	}
	return &Ingestor{opts: opts, logger: logger}
}

// Ingest collects the dataset at source, validates and splits it, and writes
// raw, train and eval copies. Existing files are replaced atomically.
func (i *Ingestor) Ingest(ctx context.Context, source string) (Locations, error) {
	start := time.Now()

	adapter, err := adapters.New(source, i.opts.AdapterConfig)
	if err != nil {
		return Locations{}, fmt.Errorf("resolve source: %w", err)
	}
	if h, ok := adapter.(*adapters.HTTPAdapter); ok && i.opts.HTTPClient != nil {
		h.HTTPClient = i.opts.HTTPClient
	}

	df, err := adapter.Collect(ctx)
	if err != nil {
		return Locations{}, fmt.Errorf("collect %s: %w", source, err)
	}

	loc := Locations{
		Raw:   filepath.Join(i.opts.DataDir, RawFile),
		Train: filepath.Join(i.opts.DataDir, TrainFile),
		Eval:  filepath.Join(i.opts.DataDir, EvalFile),
	}

	// The raw copy keeps the source header spelling. Nothing is written until
	// validation and the split have succeeded.
	var raw bytes.Buffer
	if err := df.WriteCSV(&raw); err != nil {
		return Locations{}, fmt.Errorf("encode raw copy: %w", err)
	}

	df.RenameColumns(schema.Normalize)
	if err := Validate(df); err != nil {
		return Locations{}, err
	}

	train, eval, err := Split(df, i.opts.TrainRatio, i.opts.Seed)
	if err != nil {
		return Locations{}, err
	}

	err = storage.WriteFileAtomic(loc.Raw, 0o644, func(w io.Writer) error {
		_, err := raw.WriteTo(w)
		return err
	})
	if err != nil {
		return Locations{}, fmt.Errorf("persist raw copy: %w", err)
	}
	if err := writeFrame(loc.Train, train); err != nil {
		return Locations{}, fmt.Errorf("persist train split: %w", err)
	}
	if err := writeFrame(loc.Eval, eval); err != nil {
		return Locations{}, fmt.Errorf("persist eval split: %w", err)
	}

	loc.RawRows = df.Len()
	loc.TrainRows = train.Len()
	loc.EvalRows = eval.Len()

	i.logger.Info("ingested dataset",
		"source", source,
		"adapter", adapter.Name(),
		"rows", loc.RawRows,
		"train_rows", loc.TrainRows,
		"eval_rows", loc.EvalRows,
		"seed", i.opts.Seed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return loc, nil
}

// Validate checks that every required schema column is present and that the
// frame has at least one row.
func Validate(df *adapters.DataFrame) error {
	if missing := schema.Missing(df.Columns, schema.Required()); len(missing) > 0 {
		e := errs.New(errs.ErrSchemaValidation, "ingest",
			fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")))
		e.Column = missing[0]
		return e
	}
	if df.Len() == 0 {
		return errs.New(errs.ErrSchemaValidation, "ingest", "dataset has no rows")
	}
	return nil
}

// Split partitions df into training and evaluation subsets. The evaluation
// subset receives ceil(n*(1-ratio)) rows; both subsets must be non-empty.
// Row order inside each subset follows the seeded permutation.
func Split(df *adapters.DataFrame, ratio float64, seed uint64) (train, eval *adapters.DataFrame, err error) {
	n := df.Len()
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, fmt.Errorf("train ratio %v must be in (0, 1)", ratio)
	}

	evalN := int(math.Ceil(float64(n)*(1-ratio) - 1e-9))
	trainN := n - evalN
	if trainN < 1 || evalN < 1 {
		return nil, nil, errs.New(errs.ErrSchemaValidation, "split",
			fmt.Sprintf("%d rows cannot be split into non-empty train and eval subsets", n))
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	perm := rng.Perm(n)

	train = &adapters.DataFrame{Columns: cloneColumns(df.Columns), Rows: make([]adapters.Row, 0, trainN)}
	eval = &adapters.DataFrame{Columns: cloneColumns(df.Columns), Rows: make([]adapters.Row, 0, evalN)}
	for k, idx := range perm {
		if k < trainN {
			train.Rows = append(train.Rows, df.Rows[idx])
		} else {
			eval.Rows = append(eval.Rows, df.Rows[idx])
		}
	}

	return train, eval, nil
}

// Load reads back a persisted split.
func Load(ctx context.Context, path string) (*adapters.DataFrame, error) {
	df, err := (&adapters.FileAdapter{Path: path}).Collect(ctx)
	if err != nil {
		return nil, err
	}
	df.RenameColumns(schema.Normalize)
	return df, nil
}

func writeFrame(path string, df *adapters.DataFrame) error {
	return storage.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		return df.WriteCSV(w)
	})
}

func cloneColumns(cols []string) []string {
	out := make([]string, len(cols))
	copy(out, cols)
	return out
}
