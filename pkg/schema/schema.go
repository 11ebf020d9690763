// Package schema is the feature contract agreed on by ingestion, the feature
// transformer, the trainer and the prediction service.
//
// The column set is fixed at compile time. Which columns are numeric and which
// are categorical is declared here rather than inferred from data, so two
// training runs over slightly different files always produce the same layout.
package schema

import (
	"strings"
)

// Version is embedded into every persisted artifact. Bump it whenever the
// column set, column kinds or target change.
const Version = 1

// Kind is the declared type of a column.
type Kind int

const (
	Numeric Kind = iota
	Categorical
)

func (k Kind) String() string {
	switch k {
	case Numeric:
		return "numeric"
	case Categorical:
		return "categorical"
	default:
		return "unknown"
	}
}

// Column describes one input or target column.
type Column struct {
	Name string
	Kind Kind
}

// Canonical column names.
const (
	Gender                   = "gender"
	RaceEthnicity            = "race_ethnicity"
	ParentalLevelOfEducation = "parental_level_of_education"
	Lunch                    = "lunch"
	TestPreparationCourse    = "test_preparation_course"
	ReadingScore             = "reading_score"
	WritingScore             = "writing_score"
	MathScore                = "math_score"
)

// Target is the predicted column.
const Target = MathScore

// TargetMin and TargetMax bound the target score.
const (
	TargetMin = 0.0
	TargetMax = 100.0
)

var features = []Column{
	{Name: Gender, Kind: Categorical},
	{Name: RaceEthnicity, Kind: Categorical},
	{Name: ParentalLevelOfEducation, Kind: Categorical},
	{Name: Lunch, Kind: Categorical},
	{Name: TestPreparationCourse, Kind: Categorical},
	{Name: ReadingScore, Kind: Numeric},
	{Name: WritingScore, Kind: Numeric},
}

// aliases maps alternative spellings seen in request payloads to canonical names.
var aliases = map[string]string{
	"ethnicity": RaceEthnicity,
	"race":      RaceEthnicity,
}

// Features returns the input columns in their fixed order.
func Features() []Column {
	out := make([]Column, len(features))
	copy(out, features)
	return out
}

// FeatureNames returns the input column names in order.
func FeatureNames() []string {
	names := make([]string, len(features))
	for i, c := range features {
		names[i] = c.Name
	}
	return names
}

// Required returns every column a training dataset must carry: features then target.
func Required() []string {
	return append(FeatureNames(), Target)
}

// NumericFeatures returns the numeric input column names in order.
func NumericFeatures() []string {
	return namesOf(Numeric)
}

// CategoricalFeatures returns the categorical input column names in order.
func CategoricalFeatures() []string {
	return namesOf(Categorical)
}

func namesOf(kind Kind) []string {
	var names []string
	for _, c := range features {
		if c.Kind == kind {
			names = append(names, c.Name)
		}
	}
	return names
}

// Lookup returns the declared column for a canonical name.
func Lookup(name string) (Column, bool) {
	for _, c := range features {
		if c.Name == name {
			return c, true
		}
	}
	if name == Target {
		return Column{Name: Target, Kind: Numeric}, true
	}
	return Column{}, false
}

// Normalize maps a header or field name onto its canonical spelling.
// "race/ethnicity", "Math Score" and "ethnicity" become race_ethnicity,
// math_score and race_ethnicity.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer(" ", "_", "/", "_", "-", "_").Replace(n)
	if canonical, ok := aliases[n]; ok {
		return canonical
	}
	return n
}

// IsMissing reports whether a raw value denotes a missing observation.
func IsMissing(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "na", "nan", "null":
		return true
	}
	return false
}

// Missing returns the required columns absent from a header, in schema order.
func Missing(header []string, required []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}
