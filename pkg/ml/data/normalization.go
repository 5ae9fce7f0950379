// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Normalization calculates the per-channel normalization parameters mean and stddev of the inputs of
// the source. Inputs are expected to be shaped [channels, height, width], and the first maxSamples
// samples are used (all samples if maxSamples <= 0).
//
// Channels that happen to be constant have a stddev of 0: they are replaced by 1, so
// that (x - mean) / stddev is always defined.
func Normalization(source SampleSource, maxSamples int) (mean, stddev []float64, err error) {
	numSamples := source.Len()
	if maxSamples > 0 {
		numSamples = min(numSamples, maxSamples)
	}
	if numSamples == 0 {
		return nil, nil, errors.New("Normalization(): no samples in source")
	}
	var sum, sumSquares []float64
	var count float64
	for ii := range numSamples {
		input, _, err := source.Get(ii)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "Normalization(): failed to read sample #%d", ii)
		}
		if len(input.Shape) != 3 {
			return nil, nil, errors.Errorf("Normalization(): input shape %v, wanted [channels, height, width]", input.Shape)
		}
		channels := input.Shape[0]
		if sum == nil {
			sum = make([]float64, channels)
			sumSquares = make([]float64, channels)
		} else if channels != len(sum) {
			return nil, nil, errors.Errorf("Normalization(): sample #%d has %d channels, previous samples had %d",
				ii, channels, len(sum))
		}
		numPixels := input.Shape[1] * input.Shape[2]
		values := make([]float64, numPixels)
		for c := range channels {
			for jj, v := range input.Values[c*numPixels : (c+1)*numPixels] {
				values[jj] = float64(v)
			}
			sum[c] += floats.Sum(values)
			sumSquares[c] += floats.Dot(values, values)
		}
		count += float64(numPixels)
	}

	mean = slices.Clone(sum)
	floats.Scale(1/count, mean)
	stddev = make([]float64, len(mean))
	for c := range stddev {
		variance := max(0, sumSquares[c]/count-mean[c]*mean[c])
		stddev[c] = math.Sqrt(variance)
	}
	ReplaceZerosByOnes(stddev)
	klog.V(1).Infof("Normalization over %d samples: mean=%v, stddev=%v", numSamples, mean, stddev)
	return mean, stddev, nil
}

// ReplaceZerosByOnes replaces the zero values of x by 1, in place.
func ReplaceZerosByOnes(x []float64) {
	for ii, v := range x {
		if v == 0 {
			x[ii] = 1
		}
	}
}

// Normalize returns the source with the inputs normalized per-channel by (x - mean) / stddev.
// Labels are left unchanged.
func Normalize(source SampleSource, mean, stddev []float64) SampleSource {
	return Map(source, func(input, label *Tensor) (*Tensor, *Tensor, error) {
		if len(input.Shape) != 3 || input.Shape[0] != len(mean) {
			return nil, nil, errors.Errorf("Normalize(): input shape %v, wanted [%d, height, width]", input.Shape, len(mean))
		}
		normalized := NewTensor(input.Shape...)
		numPixels := input.Shape[1] * input.Shape[2]
		for ii, v := range input.Values {
			c := ii / numPixels
			normalized.Values[ii] = float32((float64(v) - mean[c]) / stddev[c])
		}
		return normalized, label, nil
	})
}
