package artifact

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/HatiCode/gradecast/pkg/errs"
	"github.com/HatiCode/gradecast/pkg/features"
	"github.com/HatiCode/gradecast/pkg/models"
	"github.com/HatiCode/gradecast/pkg/schema"
)

// Model is the persisted form of the selected estimator together with the
// metadata needed to check it against a preprocessing plan.
type Model struct {
	SchemaVersion int           `json:"schema_version"`
	RunID         string        `json:"run_id"`
	TrainedAt     time.Time     `json:"trained_at"`
	Candidate     string        `json:"candidate"`
	Params        models.Params `json:"params"`
	FeatureNames  []string      `json:"feature_names"`
	CVScore       float64       `json:"cv_score"`
	EvalScore     float64       `json:"eval_score"`
	EvalMAE       float64       `json:"eval_mae"`
	EvalRMSE      float64       `json:"eval_rmse"`
	TrainRows     int           `json:"train_rows"`
	EvalRows      int           `json:"eval_rows"`

	Estimator json.RawMessage `json:"estimator"`
}

// NewModel captures a fitted estimator. The metadata fields of meta are
// copied; its Candidate, Params and Estimator are taken from r.
func NewModel(r models.Regressor, meta Model) (*Model, error) {
	payload, err := models.Encode(r)
	if err != nil {
		return nil, err
	}
	m := meta
	m.SchemaVersion = schema.Version
	m.Candidate = r.Name()
	m.Params = r.Params()
	m.FeatureNames = slices.Clone(meta.FeatureNames)
	m.Estimator = payload
	return &m, nil
}

// Regressor restores the estimator.
func (m *Model) Regressor() (models.Regressor, error) {
	r, err := models.Decode(m.Candidate, m.Estimator)
	if err != nil {
		return nil, errs.Wrap(errs.ErrArtifactLoad, "load model", err)
	}
	return r, nil
}

// EncodePreprocessor serialises a fitted preprocessing plan.
func EncodePreprocessor(a *features.Artifact) ([]byte, error) {
	return Encode(KindPreprocessor, a)
}

// DecodePreprocessor restores a preprocessing plan and checks it against the
// current feature schema.
func DecodePreprocessor(data []byte) (*features.Artifact, error) {
	var a features.Artifact
	if err := Decode(data, KindPreprocessor, &a); err != nil {
		return nil, err
	}
	if err := a.CheckSchema(); err != nil {
		return nil, errs.Wrap(errs.ErrArtifactLoad, "load preprocessor", err)
	}
	return &a, nil
}

// EncodeModel serialises a model artifact.
func EncodeModel(m *Model) ([]byte, error) {
	return Encode(KindModel, m)
}

// DecodeModel restores a model artifact.
func DecodeModel(data []byte) (*Model, error) {
	var m Model
	if err := Decode(data, KindModel, &m); err != nil {
		return nil, err
	}
	if m.SchemaVersion != schema.Version {
		return nil, errs.New(errs.ErrArtifactLoad, "load model",
			fmt.Sprintf("schema version %d, current schema is version %d", m.SchemaVersion, schema.Version))
	}
	if m.RunID == "" || m.Candidate == "" {
		return nil, errs.New(errs.ErrArtifactLoad, "load model", "missing run id or candidate")
	}
	return &m, nil
}

// CheckPair verifies that a preprocessing plan and a model came from the same
// training run and agree on the feature layout.
func CheckPair(pre *features.Artifact, m *Model) error {
	const op = "check artifacts"
	if pre.RunID != m.RunID {
		return errs.New(errs.ErrArtifactLoad, op,
			fmt.Sprintf("preprocessor from run %q, model from run %q", pre.RunID, m.RunID))
	}
	if pre.SchemaVersion != m.SchemaVersion {
		return errs.New(errs.ErrArtifactLoad, op,
			fmt.Sprintf("preprocessor schema version %d, model schema version %d", pre.SchemaVersion, m.SchemaVersion))
	}
	if !slices.Equal(pre.FeatureNames, m.FeatureNames) {
		return errs.New(errs.ErrArtifactLoad, op, "model was trained on a different feature layout")
	}
	return nil
}
