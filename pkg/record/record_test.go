package record

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/schema"
)

func validFields() map[string]string {
	return map[string]string{
		"gender":                      "female",
		"race_ethnicity":              "group B",
		"parental_level_of_education": "bachelor's degree",
		"lunch":                       "standard",
		"test_preparation_course":     "none",
		"reading_score":               "85",
		"writing_score":               "90",
	}
}

func TestFromRawFields_Valid(t *testing.T) {
	rec, err := FromRawFields(validFields())
	if err != nil {
		t.Fatalf("FromRawFields: %v", err)
	}
	want := Record{
		Gender:                   "female",
		RaceEthnicity:            "group B",
		ParentalLevelOfEducation: "bachelor's degree",
		Lunch:                    "standard",
		TestPreparationCourse:    "none",
		ReadingScore:             85,
		WritingScore:             90,
	}
	if rec != want {
		t.Errorf("got %+v, want %+v", rec, want)
	}

	values := rec.Values()
	if len(values) != len(schema.FeatureNames()) {
		t.Fatalf("Values() has %d fields", len(values))
	}
	if values[0] != "female" || values[5] != "85" || values[6] != "90" {
		t.Errorf("Values() = %v, not in schema order", values)
	}
}

func TestFromRawFields_MissingWritingScore(t *testing.T) {
	fields := validFields()
	delete(fields, "writing_score")

	_, err := FromRawFields(fields)
	if !errors.Is(err, errs.ErrPredictionInput) {
		t.Fatalf("err = %v, want ErrPredictionInput", err)
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Column != schema.WritingScore {
		t.Errorf("error does not name writing_score: %v", err)
	}
}

func TestFromRawFields_Aliases(t *testing.T) {
	fields := map[string]string{
		"Gender":                      "male",
		"ethnicity":                   "group C",
		"parental level of education": "some college",
		"lunch":                       " free/reduced ",
		"test preparation course":     "completed",
		"reading score":               "72.5",
		"writing score":               "70",
		"math score":                  "68",
		"student_id":                  "s-9",
	}
	rec, err := FromRawFields(fields)
	if err != nil {
		t.Fatalf("FromRawFields: %v", err)
	}
	if rec.RaceEthnicity != "group C" || rec.Lunch != "free/reduced" || rec.ReadingScore != 72.5 {
		t.Errorf("got %+v", rec)
	}
}

func TestFromRawFields_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]string)
		column string
	}{
		{"non-numeric score", func(f map[string]string) { f["reading_score"] = "eighty" }, schema.ReadingScore},
		{"infinite score", func(f map[string]string) { f["writing_score"] = "Inf" }, schema.WritingScore},
		{"empty category", func(f map[string]string) { f["lunch"] = "  " }, schema.Lunch},
		{"missing token", func(f map[string]string) { f["gender"] = "NA" }, schema.Gender},
		{"absent category", func(f map[string]string) { delete(f, "test_preparation_course") }, schema.TestPreparationCourse},
		{"conflicting alias", func(f map[string]string) { f["ethnicity"] = "group A" }, schema.RaceEthnicity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := validFields()
			tt.mutate(fields)
			_, err := FromRawFields(fields)
			if !errors.Is(err, errs.ErrPredictionInput) {
				t.Fatalf("err = %v, want ErrPredictionInput", err)
			}
			var e *errs.Error
			if !errors.As(err, &e) || e.Column != tt.column {
				t.Errorf("column = %q, want %q", e.Column, tt.column)
			}
		})
	}
}

func TestFromValues(t *testing.T) {
	var values map[string]any
	dec := json.NewDecoder(strings.NewReader(`{
		"gender": "female", "race_ethnicity": "group B",
		"parental_level_of_education": "master's degree", "lunch": "standard",
		"test_preparation_course": "none", "reading_score": 85, "writing_score": "90.5"
	}`))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		t.Fatal(err)
	}
	rec, err := FromValues(values)
	if err != nil {
		t.Fatalf("FromValues: %v", err)
	}
	if rec.ReadingScore != 85 || rec.WritingScore != 90.5 {
		t.Errorf("got %+v", rec)
	}

	values["lunch"] = true
	if _, err := FromValues(values); !errors.Is(err, errs.ErrPredictionInput) {
		t.Errorf("bool value: err = %v", err)
	}
	values["lunch"] = nil
	if _, err := FromValues(values); !errors.Is(err, errs.ErrPredictionInput) {
		t.Errorf("null value: err = %v", err)
	}
}

func TestFromValues_IgnoresUnknownKeys(t *testing.T) {
	var values map[string]any
	dec := json.NewDecoder(strings.NewReader(`{
		"gender": "male", "ethnicity": "group C",
		"parental_level_of_education": "high school", "lunch": "free/reduced",
		"test_preparation_course": "completed", "reading_score": 61, "writing_score": 58,
		"meta": {"source": "form", "tags": ["a", "b"]},
		"flags": [1, 2, 3],
		"consented": true,
		"math_score": {"unknown": true}
	}`))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		t.Fatal(err)
	}

	rec, err := FromValues(values)
	if err != nil {
		t.Fatalf("FromValues: %v", err)
	}
	if rec.RaceEthnicity != "group C" || rec.ReadingScore != 61 || rec.WritingScore != 58 {
		t.Errorf("got %+v", rec)
	}
}

func TestFromValuesBatch_RowIndex(t *testing.T) {
	good := map[string]any{}
	for k, v := range validFields() {
		good[k] = v
	}
	bad := map[string]any{}
	for k, v := range good {
		bad[k] = v
	}
	delete(bad, "gender")

	_, err := FromValuesBatch([]map[string]any{good, good, bad})
	var e *errs.Error
	if !errors.As(err, &e) || e.Row != 2 || e.Column != schema.Gender {
		t.Errorf("err = %v, want row 2 gender", err)
	}
}

func TestReadCSV(t *testing.T) {
	input := "id,gender,race/ethnicity,parental level of education,lunch,test preparation course,reading score,writing score\n" +
		"1,female,group B,bachelor's degree,standard,none,72,74\n" +
		"2,male,group C,some college,free/reduced,completed,69,88\n"

	recs, err := ReadCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[1].Gender != "male" || recs[1].WritingScore != 88 {
		t.Errorf("second record = %+v", recs[1])
	}
}

func TestReadCSV_Errors(t *testing.T) {
	header := "gender,race_ethnicity,parental_level_of_education,lunch,test_preparation_course,reading_score,writing_score\n"
	tests := []struct {
		name   string
		input  string
		row    int
		column string
	}{
		{
			name:   "missing column",
			input:  "gender,lunch\nfemale,standard\n",
			row:    errs.NoRow,
			column: schema.RaceEthnicity,
		},
		{
			name:   "bad score",
			input:  header + "female,group B,high school,standard,none,72,74\nmale,group A,high school,standard,none,abc,70\n",
			row:    1,
			column: schema.ReadingScore,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.input))
			var e *errs.Error
			if !errors.As(err, &e) || !errors.Is(err, errs.ErrPredictionInput) {
				t.Fatalf("err = %v, want ErrPredictionInput", err)
			}
			if e.Row != tt.row || e.Column != tt.column {
				t.Errorf("row %d column %q, want row %d column %q", e.Row, e.Column, tt.row, tt.column)
			}
		})
	}

	if _, err := ReadCSV(strings.NewReader(header + "female,group B\n")); !errors.Is(err, errs.ErrPredictionInput) {
		t.Errorf("ragged csv: err = %v", err)
	}
}

func TestRow_RoundTrip(t *testing.T) {
	rec, _ := FromRawFields(validFields())
	again, err := FromRawFields(rec.Row())
	if err != nil {
		t.Fatal(err)
	}
	if again != rec {
		t.Errorf("round trip changed record: %+v", again)
	}
	if rows := Rows([]Record{rec, rec}); len(rows) != 2 || rows[1][schema.Lunch] != "standard" {
		t.Errorf("Rows() = %v", rows)
	}
}
