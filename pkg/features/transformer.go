// Package features turns raw schema rows into the numeric matrix the
// regression models consume.
//
// Fit learns a preprocessing plan from training rows only:
//   - numeric columns: median imputation, then standard scaling with the
//     population mean and standard deviation of the imputed column
//   - categorical columns: most-frequent imputation, then one-hot encoding over
//     the sorted vocabulary observed in training
//
// The plan is an immutable Artifact. Apply is a pure function of the artifact
// and its input rows, so eval data, batch requests and single requests all go
// through the exact same transformation, in this process or after a restart.
package features

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/gradecast/pkg/adapters"
	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/schema"
)

// UnknownPolicy decides what Apply does with a category absent from the
// training vocabulary.
type UnknownPolicy string

const (
	// UnknownIgnore encodes an unseen category as an all-zero one-hot block.
	UnknownIgnore UnknownPolicy = "ignore"
	// UnknownReject fails the row with a transformation error.
	UnknownReject UnknownPolicy = "reject"
)

// ParseUnknownPolicy validates a policy name.
func ParseUnknownPolicy(s string) (UnknownPolicy, error) {
	switch UnknownPolicy(s) {
	case UnknownIgnore, "":
		return UnknownIgnore, nil
	case UnknownReject:
		return UnknownReject, nil
	default:
		return "", fmt.Errorf("invalid unknown-category policy %q (must be ignore or reject)", s)
	}
}

// NumericStats is the fitted state of one numeric column.
type NumericStats struct {
	Name   string  `json:"name"`
	Median float64 `json:"median"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
}

// Vocabulary is the fitted state of one categorical column.
type Vocabulary struct {
	Name         string   `json:"name"`
	MostFrequent string   `json:"most_frequent"`
	Categories   []string `json:"categories"` // sorted
}

// Artifact is a fitted preprocessing plan. It is never refit or mutated after Fit returns.
type Artifact struct {
	SchemaVersion int            `json:"schema_version"`
	RunID         string         `json:"run_id"`
	FittedAt      time.Time      `json:"fitted_at"`
	FittedRows    int            `json:"fitted_rows"`
	UnknownPolicy UnknownPolicy  `json:"unknown_policy"`
	Numeric       []NumericStats `json:"numeric"`
	Categorical   []Vocabulary   `json:"categorical"`
	// FeatureNames is the output column layout of Apply.
	FeatureNames []string `json:"feature_names"`
}

// FitOptions configures Fit.
type FitOptions struct {
	RunID         string
	UnknownPolicy UnknownPolicy
	// Now overrides the fit timestamp; tests use it for reproducible artifacts.
	Now func() time.Time
}

// Fit learns imputation, scaling and encoding parameters from training rows.
// Only the schema's declared columns are read; extra columns are ignored.
func Fit(rows []adapters.Row, opts FitOptions) (*Artifact, error) {
	const op = "fit transformer"

	if len(rows) == 0 {
		return nil, errs.New(errs.ErrTransformation, op, "no training rows")
	}
	if opts.UnknownPolicy == "" {
		opts.UnknownPolicy = UnknownIgnore
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	a := &Artifact{
		SchemaVersion: schema.Version,
		RunID:         opts.RunID,
		FittedAt:      now().UTC(),
		FittedRows:    len(rows),
		UnknownPolicy: opts.UnknownPolicy,
	}

	for _, name := range schema.NumericFeatures() {
		values, missing, err := numericColumn(op, rows, name)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			return nil, errs.Column(errs.ErrTransformation, op, name, errs.NoRow, "every training value is missing")
		}

		median := Median(values)
		imputed := values
		for range missing {
			imputed = append(imputed, median)
		}
		mean, std := stat.PopMeanStdDev(imputed, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}

		a.Numeric = append(a.Numeric, NumericStats{Name: name, Median: median, Mean: mean, Std: std})
		a.FeatureNames = append(a.FeatureNames, name)
	}

	for _, name := range schema.CategoricalFeatures() {
		counts := make(map[string]int)
		for i, row := range rows {
			v, ok := row[name]
			if !ok {
				return nil, errs.Column(errs.ErrTransformation, op, name, i, "missing required column")
			}
			if schema.IsMissing(v) {
				continue
			}
			counts[v]++
		}
		if len(counts) == 0 {
			return nil, errs.Column(errs.ErrTransformation, op, name, errs.NoRow, "every training value is missing")
		}

		vocab := Vocabulary{Name: name, MostFrequent: mostFrequent(counts)}
		for c := range counts {
			vocab.Categories = append(vocab.Categories, c)
		}
		sort.Strings(vocab.Categories)

		a.Categorical = append(a.Categorical, vocab)
		for _, c := range vocab.Categories {
			a.FeatureNames = append(a.FeatureNames, name+"="+c)
		}
	}

	return a, nil
}

// Width is the number of output features per row.
func (a *Artifact) Width() int {
	return len(a.FeatureNames)
}

// Apply transforms raw rows into feature vectors using only the fitted state.
// Row i of the output corresponds to row i of the input.
func (a *Artifact) Apply(rows []adapters.Row) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		vec, err := a.applyRow(i, row)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (a *Artifact) applyRow(i int, row adapters.Row) ([]float64, error) {
	const op = "apply transformer"

	vec := make([]float64, 0, a.Width())

	for _, ns := range a.Numeric {
		raw, ok := row[ns.Name]
		if !ok {
			return nil, errs.Column(errs.ErrTransformation, op, ns.Name, i, "missing required column")
		}
		v := ns.Median
		if !schema.IsMissing(raw) {
			parsed, err := parseNumber(raw)
			if err != nil {
				return nil, errs.Column(errs.ErrTransformation, op, ns.Name, i, err.Error())
			}
			v = parsed
		}
		vec = append(vec, (v-ns.Mean)/ns.Std)
	}

	for _, vocab := range a.Categorical {
		raw, ok := row[vocab.Name]
		if !ok {
			return nil, errs.Column(errs.ErrTransformation, op, vocab.Name, i, "missing required column")
		}
		if schema.IsMissing(raw) {
			raw = vocab.MostFrequent
		}

		block := make([]float64, len(vocab.Categories))
		idx, found := slices.BinarySearch(vocab.Categories, raw)
		switch {
		case found:
			block[idx] = 1
		case a.UnknownPolicy == UnknownReject:
			return nil, errs.Column(errs.ErrTransformation, op, vocab.Name, i,
				fmt.Sprintf("category %q was not seen during training", raw))
		}
		vec = append(vec, block...)
	}

	return vec, nil
}

// Targets parses the target column of training or evaluation rows.
// A missing or non-numeric target is an error; targets are never imputed.
func Targets(rows []adapters.Row) ([]float64, error) {
	const op = "read target"

	y := make([]float64, len(rows))
	for i, row := range rows {
		raw, ok := row[schema.Target]
		if !ok || schema.IsMissing(raw) {
			return nil, errs.Column(errs.ErrTransformation, op, schema.Target, i, "target value is missing")
		}
		v, err := parseNumber(raw)
		if err != nil {
			return nil, errs.Column(errs.ErrTransformation, op, schema.Target, i, err.Error())
		}
		y[i] = v
	}
	return y, nil
}

// CheckSchema reports whether the artifact was fitted against the current
// feature schema: same version, same numeric and categorical columns in order.
func (a *Artifact) CheckSchema() error {
	if a.SchemaVersion != schema.Version {
		return fmt.Errorf("schema version %d, current schema is version %d", a.SchemaVersion, schema.Version)
	}

	numeric := make([]string, len(a.Numeric))
	for i, ns := range a.Numeric {
		numeric[i] = ns.Name
	}
	if !slices.Equal(numeric, schema.NumericFeatures()) {
		return fmt.Errorf("numeric columns %v do not match schema %v", numeric, schema.NumericFeatures())
	}

	categorical := make([]string, len(a.Categorical))
	for i, v := range a.Categorical {
		categorical[i] = v.Name
		if !slices.IsSorted(v.Categories) || len(v.Categories) == 0 {
			return fmt.Errorf("column %q has an invalid vocabulary", v.Name)
		}
	}
	if !slices.Equal(categorical, schema.CategoricalFeatures()) {
		return fmt.Errorf("categorical columns %v do not match schema %v", categorical, schema.CategoricalFeatures())
	}

	width := len(a.Numeric)
	for _, v := range a.Categorical {
		width += len(v.Categories)
	}
	if width != len(a.FeatureNames) {
		return fmt.Errorf("feature layout has %d names, plan produces %d features", len(a.FeatureNames), width)
	}
	for _, ns := range a.Numeric {
		if ns.Std <= 0 || math.IsNaN(ns.Mean) || math.IsNaN(ns.Median) {
			return fmt.Errorf("column %q has invalid scaling parameters", ns.Name)
		}
	}
	return nil
}

func numericColumn(op string, rows []adapters.Row, name string) (values []float64, missing []int, err error) {
	values = make([]float64, 0, len(rows))
	for i, row := range rows {
		raw, ok := row[name]
		if !ok {
			return nil, nil, errs.Column(errs.ErrTransformation, op, name, i, "missing required column")
		}
		if schema.IsMissing(raw) {
			missing = append(missing, i)
			continue
		}
		v, err := parseNumber(raw)
		if err != nil {
			return nil, nil, errs.Column(errs.ErrTransformation, op, name, i, err.Error())
		}
		values = append(values, v)
	}
	return values, missing, nil
}

func parseNumber(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as a number", raw)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("value %q is not finite", raw)
	}
	return v, nil
}

// Median returns the median of values, averaging the two middle elements for
// an even count. values is not modified.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// mostFrequent picks the highest count, breaking ties with the
// lexicographically smallest category.
func mostFrequent(counts map[string]int) string {
	best, bestCount := "", -1
	for c, n := range counts {
		if n > bestCount || (n == bestCount && c < best) {
			best, bestCount = c, n
		}
	}
	return best
}
