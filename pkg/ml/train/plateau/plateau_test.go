// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plateau

import (
	"math"
	"testing"

	"github.com/gomlx/segtrain/pkg/ml/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeverImproving(t *testing.T) {
	const stallLimit, stopLimit = 2, 5
	d, err := New(stallLimit, stopLimit, checkpoints.Train)
	require.NoError(t, err)

	var states []State
	var stallCounts []int
	for range 8 {
		decision := d.Observe(checkpoints.Train, 1.0)
		states = append(states, decision.State)
		stallCounts = append(stallCounts, d.StallCount())
	}
	// The first observation always improves on +Inf.
	// Every epoch past the stall limit decays, until the stop limit is exceeded.
	assert.Equal(t, []State{Improving, Stalled, Stalled, Decaying, Decaying, Decaying, Stopped, Stopped}, states)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 6}, stallCounts)
	assert.Equal(t, 3, d.Decays())
	assert.True(t, d.Stopped())
}

func TestImprovementResetsCounts(t *testing.T) {
	d, err := New(1, 3, checkpoints.Train)
	require.NoError(t, err)
	losses := []float64{1.0, 1.1, 0.9, 0.95, 0.95, 0.8}
	want := []State{Improving, Stalled, Improving, Stalled, Decaying, Improving}
	for ii, loss := range losses {
		decision := d.Observe(checkpoints.Train, loss)
		assert.Equal(t, want[ii], decision.State, "observation #%d (loss=%g)", ii, loss)
	}
	assert.Equal(t, 0, d.StallCount())
	assert.Equal(t, 0.8, d.Best(checkpoints.Train))
	assert.Equal(t, 1, d.Decays())
}

func TestDecayingRepeatsUntilStop(t *testing.T) {
	d, err := New(1, 3, checkpoints.Train)
	require.NoError(t, err)
	var states []State
	for range 5 {
		states = append(states, d.Observe(checkpoints.Train, 1.0).State)
	}
	assert.Equal(t, []State{Improving, Stalled, Decaying, Decaying, Stopped}, states)
	assert.Equal(t, 2, d.Decays())
}

func TestMonitoredCriterion(t *testing.T) {
	d, err := New(0, 1, checkpoints.Validation)
	require.NoError(t, err)

	// Training loss not improving doesn't count as stalled when validation is monitored.
	assert.Equal(t, Improving, d.Observe(checkpoints.Train, 1.0).State)
	assert.Equal(t, Improving, d.Observe(checkpoints.Validation, 2.0).State)
	for range 5 {
		assert.Equal(t, Stalled, d.Observe(checkpoints.Train, 1.0).State)
	}
	assert.Equal(t, 0, d.StallCount())

	// With stall_limit=0 every non-improving validation decays, until the stop limit.
	assert.Equal(t, Decaying, d.Observe(checkpoints.Validation, 2.0).State)
	decision := d.Observe(checkpoints.Validation, 2.5)
	assert.Equal(t, Stopped, decision.State)
	assert.Equal(t, 2.0, decision.PreviousBest)
	assert.Equal(t, 2.5, decision.Loss)
}

func TestSetBestAndStop(t *testing.T) {
	d, err := New(2, 4, checkpoints.Train)
	require.NoError(t, err)
	assert.True(t, math.IsInf(d.Best(checkpoints.Validation), 1))
	d.SetBest(checkpoints.Train, 0.5)
	assert.Equal(t, Stalled, d.Observe(checkpoints.Train, 0.5).State)
	assert.Equal(t, Improving, d.Observe(checkpoints.Train, 0.4).State)
	d.Stop()
	assert.Equal(t, Stopped, d.Observe(checkpoints.Train, 0.1).State)
	assert.Equal(t, 0.4, d.Best(checkpoints.Train))
}

func TestInvalidLimits(t *testing.T) {
	_, err := New(3, 2, checkpoints.Train)
	require.Error(t, err)
	_, err = New(-1, 2, checkpoints.Train)
	require.Error(t, err)
}
