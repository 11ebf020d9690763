package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestError_Is(t *testing.T) {
	err := Column(ErrPredictionInput, "record", "reading_score", 3, "not a number")

	if !errors.Is(err, ErrPredictionInput) {
		t.Error("errors.Is(err, ErrPredictionInput) = false, want true")
	}
	if errors.Is(err, ErrTransformation) {
		t.Error("errors.Is(err, ErrTransformation) = true, want false")
	}

	wrapped := fmt.Errorf("handler: %w", err)
	if !errors.Is(wrapped, ErrPredictionInput) {
		t.Error("wrapped error lost its kind")
	}
}

func TestError_Unwrap(t *testing.T) {
	err := Wrap(ErrArtifactLoad, "load", io.ErrUnexpectedEOF)

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("errors.Is(err, io.ErrUnexpectedEOF) = false, want true")
	}
	if !errors.Is(err, ErrArtifactLoad) {
		t.Error("errors.Is(err, ErrArtifactLoad) = false, want true")
	}
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "column and row",
			err:  Column(ErrTransformation, "apply", "reading_score", 2, `cannot parse "abc"`),
			want: `apply: transformation error at row 2 (column "reading_score"): cannot parse "abc"`,
		},
		{
			name: "no context",
			err:  New(ErrTraining, "select", "no acceptable model"),
			want: "select: training error: no acceptable model",
		},
		{
			name: "wrapped cause",
			err:  Wrap(ErrArtifactLoad, "decode", io.EOF),
			want: "decode: artifact load error: EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{New(ErrSchemaValidation, "", ""), "schema_validation"},
		{New(ErrPredictionInput, "", ""), "prediction_input"},
		{fmt.Errorf("wrapped: %w", New(ErrArtifactLoad, "", "")), "artifact_load"},
		{io.EOF, "internal"},
	}

	for _, tt := range tests {
		if got := Label(tt.err); got != tt.want {
			t.Errorf("Label(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
