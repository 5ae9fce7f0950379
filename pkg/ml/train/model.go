// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/segtrain/pkg/ml/data"
)

// State of a Model: opaque blobs that ImportState restores exactly.
type State struct {
	Parameters, OptimizerState []byte
}

// Model is the numerical model being trained. The Loop owns the call sequence: gradients
// accumulate over ForwardBackward calls until ApplyStep, followed by ClearGradients.
//
// A Model is driven by a single goroutine, but it may fan out the work of a micro-batch to
// several devices internally.
type Model interface {
	// ForwardBackward computes the loss of the batch, scales it by lossScale (1/accumulation count)
	// and accumulates the gradients of the scaled loss. It returns the scaled loss.
	//
	// It must not change the parameters.
	ForwardBackward(batch data.Batch, lossScale float64) (loss float64, err error)

	// Evaluate returns the loss of the batch, without computing gradients or changing parameters.
	Evaluate(batch data.Batch) (loss float64, err error)

	// ApplyStep updates the parameters with the accumulated gradients, using the current learning rate.
	ApplyStep() error

	// ClearGradients zeroes the accumulated gradients.
	ClearGradients()

	// ExportState returns a copy of the parameters and optimizer state.
	ExportState() (State, error)

	// ImportState replaces the parameters and the optimizer state.
	ImportState(state State) error

	// SetLearningRate used by the following ApplyStep calls.
	SetLearningRate(lr float64)
}

// LiveLearningRate is an optional source of learning rate overrides, polled once per epoch.
// Changed values replace the maximum learning rate of the cyclic schedule.
type LiveLearningRate interface {
	// Poll returns ok=true with a new value if one is available.
	Poll() (lr float64, ok bool, err error)
}
