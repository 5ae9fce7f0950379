// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelwise

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// stateMagic prefixes every encoded vector.
const stateMagic = "PXW1"

// encodeVector as the magic string, a little-endian uint32 length and the float64 values.
func encodeVector(values []float64) []byte {
	var buf bytes.Buffer
	buf.WriteString(stateMagic)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(values)))
	_ = binary.Write(&buf, binary.LittleEndian, values)
	return buf.Bytes()
}

// decodeVector reverses encodeVector, checking that the length is the expected one.
func decodeVector(blob []byte, wantLen int) ([]float64, error) {
	if len(blob) < len(stateMagic)+4 || string(blob[:len(stateMagic)]) != stateMagic {
		return nil, errors.New("invalid state: missing header")
	}
	reader := bytes.NewReader(blob[len(stateMagic):])
	var length uint32
	if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
		return nil, errors.Wrap(err, "invalid state")
	}
	if int(length) != wantLen {
		return nil, errors.Errorf("state has %d values, model has %d", length, wantLen)
	}
	values := make([]float64, length)
	if err := binary.Read(reader, binary.LittleEndian, values); err != nil {
		return nil, errors.Wrap(err, "invalid state: truncated values")
	}
	if reader.Len() != 0 {
		return nil, errors.Errorf("invalid state: %d trailing bytes", reader.Len())
	}
	return values, nil
}
