// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/segtrain/pkg/ml/data"
)

// Dataset provides the micro-batches for training or evaluation, one at a time. data.Batcher is the
// usual implementation.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning. It is called by the Loop after io.EOF is reached,
	// at the end of every epoch.
	Reset()

	// Yield one micro-batch. It returns io.EOF at the end of the epoch.
	//
	// A trailing partial effective batch must never reach Model.ForwardBackward. For a SizedDataset
	// the Loop skips the micro-batches past the last complete effective batch. Other datasets must
	// not yield them at all (see data.Batcher.DropRemainder).
	Yield() (batch data.Batch, err error)
}

// SizedDataset is an optional interface a Dataset can implement, to inform the number of
// micro-batches it yields per epoch. It's used to estimate the total number of steps of the run,
// and to skip the micro-batches of a trailing partial effective batch.
type SizedDataset interface {
	Dataset
	NumBatches() int
}

// Assert data.Batcher is a SizedDataset.
var _ SizedDataset = (*data.Batcher)(nil)
