// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/pkg/errors"
)

// ErrUnsupportedCompression signifies an error when a compression type is not supported.
var ErrUnsupportedCompression = errors.New("unsupported compression")

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed stores the blobs as they are given.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

const (
	binHeader     = "segtrain_checkpoints"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header of compressed blobs:
//
// --------------------------------------------------
// | 0                    19 | 20  | 21    20 + len |
// --------------------------------------------------
// |  "segtrain_checkpoints" | len |  "gzip"        |
//
// Uncompressed blobs have no header.

// encodeBlob returns the contents of a binary file holding blob.
func encodeBlob(blob []byte, bf BinFormat) ([]byte, error) {
	if bf == BinUncompressed {
		return blob, nil
	}
	var buf bytes.Buffer
	buf.WriteString(binHeader)
	buf.WriteByte(lenGzipHeader)
	buf.WriteString(gzipHeader)
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(blob); err != nil {
		return nil, errors.Wrap(err, "gzip blob")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip blob")
	}
	return buf.Bytes(), nil
}

// decodeBlob reverses encodeBlob. Contents without the header are returned as they are.
func decodeBlob(contents []byte) ([]byte, error) {
	if !bytes.HasPrefix(contents, []byte(binHeader)) {
		return contents, nil
	}
	rest := contents[lenBinHeader:]
	if len(rest) < 1 || len(rest) < 1+int(rest[0]) {
		return nil, errors.New("truncated checkpoint header")
	}
	compression := string(rest[1 : 1+int(rest[0])])
	if compression != gzipHeader {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "compression %q", compression)
	}
	rd, err := gzip.NewReader(bytes.NewReader(rest[1+int(rest[0]):]))
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = rd.Close() }()
	blob, err := io.ReadAll(rd)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip")
	}
	return blob, nil
}
