// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"

	"github.com/pkg/errors"
)

// Evaluate runs the model over the whole dataset without computing gradients, and returns the
// mean loss per effective batch.
//
// Losses are normalized exactly as in training: micro-batch losses are divided by
// accumulationCount and summed in groups of accumulationCount. Trailing micro-batches that don't
// complete a group are ignored. If there isn't a single complete group, it returns a
// *DegenerateEpochError.
//
// The dataset is reset at the end, so it can be evaluated again.
func Evaluate(model Model, ds Dataset, accumulationCount int) (loss float64, err error) {
	if accumulationCount < 1 {
		accumulationCount = 1
	}
	defer ds.Reset()
	var sum, groupLoss float64
	var groups, pending int
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "Evaluate(%q): failed reading from Dataset", ds.Name())
		}
		batchLoss, err := model.Evaluate(batch)
		if err != nil {
			return 0, errors.WithMessagef(err, "Evaluate(%q): failed evaluating micro-batch", ds.Name())
		}
		groupLoss += batchLoss / float64(accumulationCount)
		pending++
		if pending == accumulationCount {
			sum += groupLoss
			groups++
			groupLoss, pending = 0, 0
		}
	}
	if groups == 0 {
		return 0, &DegenerateEpochError{Dataset: ds.Name()}
	}
	return sum / float64(groups), nil
}
