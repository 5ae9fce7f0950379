// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data turns a random-access SampleSource into the micro-batches consumed by the training loop.
//
// The central piece is the Batcher: it shuffles the sample order every epoch, drops the trailing
// samples that don't fill a complete effective batch, and loads each micro-batch concurrently.
package data

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a fixed-shape dense float32 tensor, in row-major order.
type Tensor struct {
	Shape  []int
	Values []float32
}

// NewTensor allocates a zero-initialized tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Shape:  shape,
		Values: make([]float32, shapeSize(shape)),
	}
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int {
	return shapeSize(t.Shape)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// CheckShape returns an error if the tensor has a different number of values than its shape implies.
func (t *Tensor) CheckShape() error {
	if len(t.Values) != t.Size() {
		return errors.Errorf("tensor of shape %v has %d values, wanted %d", t.Shape, len(t.Values), t.Size())
	}
	return nil
}

// SampleSource provides random access to the (input, label) pairs of a dataset.
//
// Get must be safe for concurrent use, since the Batcher loads the samples of a batch in parallel.
type SampleSource interface {
	// Len returns the number of samples.
	Len() int

	// Get returns the sample at the given index, in the range [0, Len()).
	Get(index int) (input, label *Tensor, err error)
}

// Batch is an ordered sequence of (input, label) pairs, all with the same shapes.
type Batch struct {
	Inputs, Labels []*Tensor

	// Indices of the samples in the SampleSource, for debugging.
	Indices []int
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Inputs)
}
