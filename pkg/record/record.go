// Package record validates raw prediction requests into feature records.
//
// A Record holds exactly the feature schema's columns with their declared
// kinds. Every request path (JSON fields, CSV batches, gRPC structs) goes
// through FromRawFields, so a row that reaches the model has every required
// field present and every score parsed.
package record

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/HatiCode/gradecast/pkg/adapters"
	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/schema"
)

// Record is one validated request row.
type Record struct {
	Gender                   string  `json:"gender"`
	RaceEthnicity            string  `json:"race_ethnicity"`
	ParentalLevelOfEducation string  `json:"parental_level_of_education"`
	Lunch                    string  `json:"lunch"`
	TestPreparationCourse    string  `json:"test_preparation_course"`
	ReadingScore             float64 `json:"reading_score"`
	WritingScore             float64 `json:"writing_score"`
}

// FromRawFields validates a mapping of field name to raw value. Keys are
// normalised like dataset headers, so "race/ethnicity", "ethnicity" and
// "race_ethnicity" are equivalent. Unknown keys are ignored. A missing field,
// a missing-value token or a score that is not a finite number fails with
// errs.ErrPredictionInput naming the column.
func FromRawFields(fields map[string]string) (Record, error) {
	return fromFields(fields, errs.NoRow)
}

func fromFields(fields map[string]string, row int) (Record, error) {
	const op = "read record"

	canonical := make(map[string]string, len(fields))
	for k, v := range fields {
		name := schema.Normalize(k)
		v = strings.TrimSpace(v)
		if prev, dup := canonical[name]; dup && prev != v {
			return Record{}, errs.Column(errs.ErrPredictionInput, op, name, row, "field given twice with different values")
		}
		canonical[name] = v
	}

	values := make(map[string]string, len(schema.Features()))
	scores := make(map[string]float64, 2)
	for _, col := range schema.Features() {
		v, ok := canonical[col.Name]
		if !ok {
			return Record{}, errs.Column(errs.ErrPredictionInput, op, col.Name, row, "required field is missing")
		}
		if schema.IsMissing(v) {
			return Record{}, errs.Column(errs.ErrPredictionInput, op, col.Name, row, "required field is empty")
		}
		if col.Kind == schema.Numeric {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
				return Record{}, errs.Column(errs.ErrPredictionInput, op, col.Name, row, fmt.Sprintf("%q is not a number", v))
			}
			scores[col.Name] = f
			continue
		}
		values[col.Name] = v
	}

	return Record{
		Gender:                   values[schema.Gender],
		RaceEthnicity:            values[schema.RaceEthnicity],
		ParentalLevelOfEducation: values[schema.ParentalLevelOfEducation],
		Lunch:                    values[schema.Lunch],
		TestPreparationCourse:    values[schema.TestPreparationCourse],
		ReadingScore:             scores[schema.ReadingScore],
		WritingScore:             scores[schema.WritingScore],
	}, nil
}

// FromValues validates a decoded JSON object. Keys outside the feature
// schema are ignored whatever their type. For feature keys, strings, numbers
// and json.Number are accepted; null counts as missing; any other type fails
// with errs.ErrPredictionInput.
func FromValues(values map[string]any) (Record, error) {
	return fromValues(values, errs.NoRow)
}

func fromValues(values map[string]any, row int) (Record, error) {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if !isFeature(schema.Normalize(k)) {
			continue
		}
		switch x := v.(type) {
		case nil:
			fields[k] = ""
		case string:
			fields[k] = x
		case json.Number:
			fields[k] = x.String()
		case float64:
			fields[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case int:
			fields[k] = strconv.Itoa(x)
		default:
			return Record{}, errs.Column(errs.ErrPredictionInput, "read record", schema.Normalize(k), row,
				fmt.Sprintf("unsupported value type %T", v))
		}
	}
	return fromFields(fields, row)
}

func isFeature(name string) bool {
	col, ok := schema.Lookup(name)
	return ok && col.Name != schema.Target
}

// FromValuesBatch validates a batch of decoded JSON objects; errors carry the
// zero-based index of the offending object.
func FromValuesBatch(batch []map[string]any) ([]Record, error) {
	out := make([]Record, len(batch))
	for i, values := range batch {
		r, err := fromValues(values, i)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// ReadCSV validates a CSV batch with a header row. Columns outside the
// feature schema (ids, the target) are ignored. Errors carry the zero-based
// data row index.
func ReadCSV(r io.Reader) ([]Record, error) {
	const op = "read batch"

	df, err := adapters.ReadCSV(r)
	if err != nil {
		return nil, errs.Wrap(errs.ErrPredictionInput, op, err)
	}
	df.RenameColumns(schema.Normalize)
	if missing := schema.Missing(df.Columns, schema.FeatureNames()); len(missing) > 0 {
		return nil, errs.Column(errs.ErrPredictionInput, op, missing[0], errs.NoRow,
			fmt.Sprintf("header lacks required columns %v", missing))
	}

	out := make([]Record, len(df.Rows))
	for i, row := range df.Rows {
		rec, err := fromFields(row, i)
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

// Row renders the record as a row keyed by schema column names.
func (r Record) Row() adapters.Row {
	return adapters.Row{
		schema.Gender:                   r.Gender,
		schema.RaceEthnicity:            r.RaceEthnicity,
		schema.ParentalLevelOfEducation: r.ParentalLevelOfEducation,
		schema.Lunch:                    r.Lunch,
		schema.TestPreparationCourse:    r.TestPreparationCourse,
		schema.ReadingScore:             strconv.FormatFloat(r.ReadingScore, 'f', -1, 64),
		schema.WritingScore:             strconv.FormatFloat(r.WritingScore, 'f', -1, 64),
	}
}

// Values returns the record's fields in schema column order.
func (r Record) Values() []string {
	row := r.Row()
	names := schema.FeatureNames()
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = row[name]
	}
	return out
}

// Rows renders a batch of records.
func Rows(records []Record) []adapters.Row {
	out := make([]adapters.Row, len(records))
	for i, r := range records {
		out[i] = r.Row()
	}
	return out
}
