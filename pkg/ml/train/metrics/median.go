// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
)

// DefaultMedianSampleSize is the number of values kept by a StreamingMedian by default.
const DefaultMedianSampleSize = 10_001

// StreamingMedian keeps an approximate median of a stream of values, using reservoir sampling:
// it keeps at most a fixed number of uniformly sampled values.
type StreamingMedian struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

var _ Interface = (*StreamingMedian)(nil)

// NewStreamingMedian creates a StreamingMedian that keeps DefaultMedianSampleSize samples.
func NewStreamingMedian(name, shortName string) *StreamingMedian {
	return &StreamingMedian{
		baseMetric:    baseMetric{name: name, shortName: shortName},
		maxNumSamples: DefaultMedianSampleSize,
		rng:           rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// WithSampleSize configures the number of random samples to keep to estimate the median.
func (m *StreamingMedian) WithSampleSize(n int) *StreamingMedian {
	m.maxNumSamples = max(1, n)
	return m
}

// Update implements metrics.Interface.
func (m *StreamingMedian) Update(x float64) {
	m.samplesSeen++
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}
	// Keep x with probability maxNumSamples/samplesSeen, replacing a random sample.
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Value implements metrics.Interface.
func (m *StreamingMedian) Value() float64 {
	if len(m.samples) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// SamplesSeen returns the number of values observed since the last Reset.
func (m *StreamingMedian) SamplesSeen() int {
	return m.samplesSeen
}

// Reset implements metrics.Interface.
func (m *StreamingMedian) Reset() {
	m.samples = m.samples[:0]
	m.samplesSeen = 0
}
