// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
	"math/rand/v2"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Batcher yields micro-batches of a SampleSource, one epoch at a time.
//
// It implements the train.Dataset interface: Yield returns io.EOF at the end of the epoch, and
// Reset starts a new epoch -- reshuffling the sample order if shuffling is enabled.
//
// Only complete effective batches are yielded: if the number of samples is not a multiple of
// the group size (see DropRemainder), the trailing samples are never loaded. With the default
// group size equal to the micro-batch size, this is the usual "drop incomplete batch".
type Batcher struct {
	name        string
	source      SampleSource
	batchSize   int
	groupSize   int
	parallelism int

	shuffle bool
	rng     *rand.Rand

	order []int
	pos   int
}

// NewBatcher creates a Batcher over source, yielding micro-batches of batchSize samples.
//
// By default, it doesn't shuffle and loads samples with runtime.NumCPU() goroutines.
func NewBatcher(name string, source SampleSource, batchSize int) *Batcher {
	return &Batcher{
		name:        name,
		source:      source,
		batchSize:   batchSize,
		groupSize:   batchSize,
		parallelism: runtime.NumCPU(),
	}
}

// DropRemainder configures the number of samples that make one effective batch: groupSize must be
// a multiple of the micro-batch size. Samples that don't complete a group at the end of the epoch
// are dropped.
//
// It returns the Batcher itself, so calls can be cascaded.
func (b *Batcher) DropRemainder(groupSize int) *Batcher {
	b.groupSize = groupSize
	b.order = nil
	return b
}

// Shuffle enables a new random sample order at every epoch, with the given seed.
func (b *Batcher) Shuffle(seed uint64) *Batcher {
	b.shuffle = true
	b.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	b.order = nil
	return b
}

// Parallelism sets the number of goroutines loading the samples of a micro-batch.
// Values <= 0 default to runtime.NumCPU().
func (b *Batcher) Parallelism(n int) *Batcher {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	b.parallelism = n
	return b
}

// Name implements train.Dataset.
func (b *Batcher) Name() string {
	return b.name
}

// String implements fmt.Stringer.
func (b *Batcher) String() string {
	return fmt.Sprintf("data.Batcher(%q, batch=%d, group=%d)", b.name, b.batchSize, b.groupSize)
}

// NumSamples returns the number of samples yielded per epoch: all samples of the source except the
// trailing ones that don't fill a complete group.
func (b *Batcher) NumSamples() int {
	if b.groupSize <= 0 {
		return 0
	}
	return (b.source.Len() / b.groupSize) * b.groupSize
}

// NumBatches returns the number of micro-batches yielded per epoch.
func (b *Batcher) NumBatches() int {
	if b.batchSize <= 0 {
		return 0
	}
	return b.NumSamples() / b.batchSize
}

// Reset implements train.Dataset. It starts a new epoch.
func (b *Batcher) Reset() {
	n := b.source.Len()
	if len(b.order) != n {
		b.order = make([]int, n)
	}
	for ii := range b.order {
		b.order[ii] = ii
	}
	if b.shuffle {
		b.rng.Shuffle(n, func(i, j int) { b.order[i], b.order[j] = b.order[j], b.order[i] })
	}
	b.pos = 0
}

// Yield implements train.Dataset. It returns the next micro-batch, or io.EOF at the end of the epoch.
func (b *Batcher) Yield() (batch Batch, err error) {
	if b.batchSize <= 0 {
		return batch, errors.Errorf("%s: invalid batch size %d", b, b.batchSize)
	}
	if b.groupSize < b.batchSize || b.groupSize%b.batchSize != 0 {
		return batch, errors.Errorf("%s: group size must be a positive multiple of the batch size", b)
	}
	if b.order == nil {
		b.Reset()
	}
	if b.pos+b.batchSize > b.NumSamples() {
		return batch, io.EOF
	}
	indices := b.order[b.pos : b.pos+b.batchSize]
	b.pos += b.batchSize
	batch = Batch{
		Inputs:  make([]*Tensor, len(indices)),
		Labels:  make([]*Tensor, len(indices)),
		Indices: append([]int(nil), indices...),
	}

	var g errgroup.Group
	g.SetLimit(b.parallelism)
	for ii, sampleIdx := range indices {
		g.Go(func() error {
			input, label, err := b.source.Get(sampleIdx)
			if err != nil {
				return errors.WithMessagef(err, "%s: failed to load sample #%d", b, sampleIdx)
			}
			batch.Inputs[ii], batch.Labels[ii] = input, label
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return Batch{}, err
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: yielded samples %v", b, batch.Indices)
	}
	return batch, nil
}
