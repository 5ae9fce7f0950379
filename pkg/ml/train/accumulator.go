// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"

	"github.com/gomlx/segtrain/pkg/ml/data"
	"github.com/pkg/errors"
)

// StepResult is returned by Accumulator.Feed.
type StepResult struct {
	// Committed is true when the micro-batch completed an effective batch and the parameters were updated.
	Committed bool

	// Loss of the committed step: the sum of the scaled losses of its micro-batches. Only set if Committed.
	Loss float64
}

// Accumulator accumulates gradients over micro-batches, and applies an optimizer step once every
// AccumulationCount micro-batches. The parameters of the Model only change at these commits.
type Accumulator struct {
	model           Model
	count           int
	pending         int
	accumulatedLoss float64
}

// NewAccumulator creates an Accumulator for the model, with an accumulation count of
// max(1, targetBatchSize/microBatchSize).
func NewAccumulator(model Model, targetBatchSize, microBatchSize int) *Accumulator {
	return &Accumulator{
		model: model,
		count: AccumulationCount(targetBatchSize, microBatchSize),
	}
}

// AccumulationCount is the number of micro-batches per committed step.
func (a *Accumulator) AccumulationCount() int {
	return a.count
}

// Pending returns the number of micro-batches accumulated since the last commit.
func (a *Accumulator) Pending() int {
	return a.pending
}

// AccumulatedLoss returns the sum of the scaled losses accumulated since the last commit.
func (a *Accumulator) AccumulatedLoss() float64 {
	return a.accumulatedLoss
}

// Feed runs forward/backward on the micro-batch, with its loss scaled by 1/AccumulationCount, and
// commits the step (Model.ApplyStep followed by Model.ClearGradients) if it completes an
// effective batch.
//
// A NaN or infinite loss returns an error: training can't recover from it.
func (a *Accumulator) Feed(batch data.Batch) (result StepResult, err error) {
	loss, err := a.model.ForwardBackward(batch, 1.0/float64(a.count))
	if err != nil {
		return result, errors.WithMessagef(err, "forward/backward of micro-batch %d of %d", a.pending+1, a.count)
	}
	if math.IsNaN(loss) {
		return result, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(loss, 0) {
		return result, errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	a.accumulatedLoss += loss
	a.pending++
	if a.pending < a.count {
		return result, nil
	}

	if err = a.model.ApplyStep(); err != nil {
		return result, errors.WithMessagef(err, "applying optimizer step")
	}
	a.model.ClearGradients()
	result = StepResult{Committed: true, Loss: a.accumulatedLoss}
	a.pending = 0
	a.accumulatedLoss = 0
	return result, nil
}

// Discard drops the gradients of a partial accumulation, if any, without updating the parameters.
func (a *Accumulator) Discard() {
	if a.pending == 0 {
		return
	}
	a.model.ClearGradients()
	a.pending = 0
	a.accumulatedLoss = 0
}
