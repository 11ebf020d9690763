// Package errs defines the error taxonomy shared by the training pipeline and
// the prediction service.
//
// Every failure that is the caller's fault (bad dataset, bad request row) or a
// pipeline outcome (no acceptable model, unusable artifact) is reported as an
// *Error carrying one of the sentinel kinds below, so callers can branch with
// errors.Is without parsing messages:
//
//	if errors.Is(err, errs.ErrPredictionInput) {
//		// reject the request, keep serving
//	}
//
// Infrastructure failures (disk, network, redis) are wrapped with fmt.Errorf
// and never carry a kind.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds.
var (
	ErrSchemaValidation = errors.New("schema validation error")
	ErrTransformation   = errors.New("transformation error")
	ErrTraining         = errors.New("training error")
	ErrArtifactLoad     = errors.New("artifact load error")
	ErrPredictionInput  = errors.New("prediction input error")
)

// NoRow marks an Error that is not tied to a specific row.
const NoRow = -1

// Error is a classified failure with enough context to diagnose it without a retry.
type Error struct {
	Kind   error
	Op     string
	Column string
	// Row is the zero-based row index within the batch being processed, or NoRow.
	Row int
	Msg string
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Row != NoRow {
		fmt.Fprintf(&b, " at row %d", e.Row)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " (column %q)", e.Column)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// New builds an Error of the given kind with no row or column context.
func New(kind error, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Row: NoRow, Msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Row: NoRow, Err: err}
}

// Column builds an Error pointing at a column and row.
func Column(kind error, op, column string, row int, msg string) *Error {
	return &Error{Kind: kind, Op: op, Column: column, Row: row, Msg: msg}
}

// KindOf returns the taxonomy kind of err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrSchemaValidation,
		ErrTransformation,
		ErrTraining,
		ErrArtifactLoad,
		ErrPredictionInput,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Label returns a short metrics-friendly name for the kind of err.
func Label(err error) string {
	switch KindOf(err) {
	case ErrSchemaValidation:
		return "schema_validation"
	case ErrTransformation:
		return "transformation"
	case ErrTraining:
		return "training"
	case ErrArtifactLoad:
		return "artifact_load"
	case ErrPredictionInput:
		return "prediction_input"
	default:
		return "internal"
	}
}
