// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMean(t *testing.T) {
	m := NewMean("Loss", "loss")
	assert.True(t, math.IsNaN(m.Value()))
	assert.Equal(t, "-", PrettyPrint(m))
	for _, x := range []float64{1, 2, 3, 6} {
		m.Update(x)
	}
	assert.Equal(t, 3.0, m.Value())
	assert.Equal(t, 4, m.Count())
	assert.Equal(t, "3.00000", PrettyPrint(m))
	m.Reset()
	assert.Equal(t, 0, m.Count())
}

func TestMovingAverage(t *testing.T) {
	m := NewMovingAverage("Moving Average Loss", "~loss", 0.5)
	m.Update(4)
	assert.Equal(t, 4.0, m.Value())
	// Second value: weight is max(0.5, 1/2).
	m.Update(2)
	assert.Equal(t, 3.0, m.Value())
	// Third value: weight is 0.5.
	m.Update(5)
	assert.Equal(t, 4.0, m.Value())
	m.Reset()
	assert.True(t, math.IsNaN(m.Value()))
}

func TestStreamingMedian(t *testing.T) {
	metric := NewStreamingMedian("Median", "med").WithSampleSize(10_000)
	assert.True(t, math.IsNaN(metric.Value()))

	t.Run("Exact", func(t *testing.T) {
		for _, x := range []float64{5, 1, 3} {
			metric.Update(x)
		}
		assert.Equal(t, 3.0, metric.Value())
		metric.Reset()
		assert.Equal(t, 0, metric.SamplesSeen())
	})

	t.Run("Random 1/r numbers", func(t *testing.T) {
		// Sample from 0.01 < r < 1.0 randomly and feed values of 1/r: more values than the sample size,
		// so the median is approximate.
		rng := rand.New(rand.NewPCG(17, 0))
		const numExamples = 100_001
		values := make([]float64, 0, numExamples)
		for range numExamples {
			r := 1 / (rng.Float64()*0.99 + 0.01)
			values = append(values, r)
			metric.Update(r)
		}
		require.Equal(t, numExamples, metric.SamplesSeen())
		slices.Sort(values)
		want := values[numExamples/2]
		assert.InEpsilon(t, want, metric.Value(), 0.05)
	})
}
