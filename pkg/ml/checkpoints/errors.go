// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import "fmt"

// StorageError is returned when a checkpoint file set can't be written, read or removed.
//
// When returned by Handler.Save, the previously saved file set of the criterion is untouched.
type StorageError struct {
	// Op is one of "write", "read" or "remove".
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("checkpoint storage failed to %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError is returned when loading a checkpoint that doesn't exist.
type NotFoundError struct {
	Dir string

	// Either Criterion or BaseName is set, depending on how the checkpoint was requested.
	Criterion Criterion
	BaseName  string
}

func (e *NotFoundError) Error() string {
	if e.BaseName != "" {
		return fmt.Sprintf("checkpoint %q not found in %q", e.BaseName, e.Dir)
	}
	return fmt.Sprintf("no %q checkpoint found in %q", e.Criterion, e.Dir)
}
