// Package artifact serialises the two artifacts a training run produces, the
// fitted preprocessing plan and the selected model, and verifies them on load.
//
// Each artifact is stored in an envelope:
//
//	offset  size  field
//	0       4     magic "GCST"
//	4       1     kind (1 = preprocessor, 2 = model)
//	5       1     format version
//	6       4     payload length, big endian
//	10      4     CRC-32 (IEEE) of the payload, big endian
//	14      n     JSON payload
//
// Anything that does not decode cleanly is reported as errs.ErrArtifactLoad.
package artifact

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/HatiCode/gradecast/pkg/errs"
)

// Magic identifies an artifact envelope.
const Magic = "GCST"

// FormatVersion is the envelope format written by Encode.
const FormatVersion byte = 1

const headerSize = 14

// Kind tells the two artifacts apart so one can never be loaded as the other.
type Kind byte

const (
	KindPreprocessor Kind = 1
	KindModel        Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindPreprocessor:
		return "preprocessor"
	case KindModel:
		return "model"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Encode wraps the JSON encoding of v in an envelope of the given kind.
func Encode(kind Kind, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload))
	buf.WriteString(Magic)
	buf.WriteByte(byte(kind))
	buf.WriteByte(FormatVersion)
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(payload))))
	buf.Write(binary.BigEndian.AppendUint32(nil, crc32.ChecksumIEEE(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode verifies the envelope and unmarshals its payload into v.
func Decode(data []byte, kind Kind, v any) error {
	op := "load " + kind.String()
	fail := func(format string, args ...any) error {
		return errs.New(errs.ErrArtifactLoad, op, fmt.Sprintf(format, args...))
	}

	if len(data) < headerSize {
		return fail("truncated envelope: %d bytes", len(data))
	}
	if string(data[:4]) != Magic {
		return fail("not an artifact envelope")
	}
	if got := Kind(data[4]); got != kind {
		return fail("envelope holds a %s artifact", got)
	}
	if data[5] != FormatVersion {
		return fail("unsupported format version %d", data[5])
	}
	size := binary.BigEndian.Uint32(data[6:10])
	payload := data[headerSize:]
	if uint64(len(payload)) != uint64(size) {
		return fail("payload is %d bytes, header declares %d", len(payload), size)
	}
	if sum := crc32.ChecksumIEEE(payload); sum != binary.BigEndian.Uint32(data[10:14]) {
		return fail("checksum mismatch")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errs.Wrap(errs.ErrArtifactLoad, op, err)
	}
	return nil
}
