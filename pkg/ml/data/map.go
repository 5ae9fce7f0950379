// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

// MapSampleFn is a normal Go function that transforms the input and label of a sample.
//
// It must be safe for concurrent use, and it must not modify the given tensors, since the
// wrapped SampleSource may own them.
type MapSampleFn func(input, label *Tensor) (mappedInput, mappedLabel *Tensor, err error)

// mapSource implements a SampleSource that maps a function to the samples of a wrapped source.
type mapSource struct {
	source SampleSource
	mapFn  MapSampleFn
}

var _ SampleSource = (*mapSource)(nil)

// Map a SampleSource through a transformation, applied every time a sample is read.
func Map(source SampleSource, mapFn MapSampleFn) SampleSource {
	return &mapSource{
		source: source,
		mapFn:  mapFn,
	}
}

// Len implements SampleSource.
func (s *mapSource) Len() int { return s.source.Len() }

// Get implements SampleSource.
func (s *mapSource) Get(index int) (input, label *Tensor, err error) {
	input, label, err = s.source.Get(index)
	if err != nil {
		return
	}
	return s.mapFn(input, label)
}
