// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/segtrain/pkg/ml/params"
)

// quadraticGradients of sum((w-target)^2)/2.
func quadraticGradients(weights, target []float64) []float64 {
	grads := make([]float64, len(weights))
	for ii := range weights {
		grads[ii] = weights[ii] - target[ii]
	}
	return grads
}

func TestOptimizersConverge(t *testing.T) {
	target := []float64{1, -2, 0.5}
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			config := DefaultConfig()
			config.Name = name
			if name == "adamw" {
				// Weight decay pulls the weights away from the target.
				config.WeightDecay = 1e-9
			}
			opt, err := New(config, len(target))
			require.NoError(t, err)
			assert.Equal(t, name, opt.Name())
			weights := make([]float64, len(target))
			for range 2000 {
				require.NoError(t, opt.Update(weights, quadraticGradients(weights, target), 0.01))
			}
			assert.InDeltaSlice(t, target, weights, 0.05)
		})
	}
}

func TestSGD(t *testing.T) {
	config := DefaultConfig()
	config.Momentum = 0.5
	opt, err := New(config, 2)
	require.NoError(t, err)
	weights := []float64{1, 1}
	require.NoError(t, opt.Update(weights, []float64{1, -2}, 0.1))
	assert.InDeltaSlice(t, []float64{0.9, 1.2}, weights, 1e-12)
	// velocity = 0.5 * [1, -2] + [1, -2]
	require.NoError(t, opt.Update(weights, []float64{1, -2}, 0.1))
	assert.InDeltaSlice(t, []float64{0.75, 1.5}, weights, 1e-12)
	assert.Equal(t, []float64{1.5, -3}, opt.State())

	config.ClipStepByValue = 0.01
	clipped, err := New(config, 2)
	require.NoError(t, err)
	weights = []float64{1, 1}
	require.NoError(t, clipped.Update(weights, []float64{1, -2}, 0.1))
	assert.InDeltaSlice(t, []float64{0.99, 1.01}, weights, 1e-12)

	require.Error(t, opt.Update(weights, []float64{1}, 0.1))
}

func TestAdamFirstStep(t *testing.T) {
	// With debiasing, the first Adam step is learningRate * sign(gradient).
	config := DefaultConfig()
	config.Name = "adam"
	opt, err := New(config, 2)
	require.NoError(t, err)
	weights := []float64{0, 0}
	require.NoError(t, opt.Update(weights, []float64{3, -0.5}, 0.1))
	assert.InDeltaSlice(t, []float64{-0.1, 0.1}, weights, 1e-6)
	state := opt.State()
	require.Len(t, state, 5)
	assert.Equal(t, 1.0, state[0])
}

func TestState(t *testing.T) {
	target := []float64{1, 2}
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			config := DefaultConfig()
			config.Name = name
			opt, err := New(config, 2)
			require.NoError(t, err)
			weights := []float64{0, 0}
			for range 3 {
				require.NoError(t, opt.Update(weights, quadraticGradients(weights, target), 0.1))
			}
			state := opt.State()
			savedWeights := append([]float64(nil), weights...)
			require.NoError(t, opt.Update(weights, quadraticGradients(weights, target), 0.1))
			nextWeights := append([]float64(nil), weights...)

			// Restoring to a fresh optimizer reproduces the same step.
			restored, err := New(config, 2)
			require.NoError(t, err)
			require.NoError(t, restored.SetState(state))
			require.NoError(t, restored.Update(savedWeights, quadraticGradients(savedWeights, target), 0.1))
			assert.Equal(t, nextWeights, savedWeights)

			require.Error(t, restored.SetState(state[:1]))
		})
	}
}

func TestNew(t *testing.T) {
	config := DefaultConfig()
	config.Name = "lion"
	_, err := New(config, 1)
	require.ErrorContains(t, err, "unknown optimizer")

	for _, modify := range []func(c *Config){
		func(c *Config) { c.Momentum = 1 },
		func(c *Config) { c.Beta2 = -0.1 },
		func(c *Config) { c.Epsilon = 0 },
	} {
		config := DefaultConfig()
		modify(&config)
		_, err := New(config, 1)
		require.Error(t, err)
	}
	_, err = New(DefaultConfig(), 0)
	require.Error(t, err)
}

func TestConfigFromParams(t *testing.T) {
	p := params.New()
	assert.Equal(t, DefaultConfig(), ConfigFromParams(p))

	DefaultConfig().SetDefaultParams(p)
	assert.Equal(t, DefaultConfig(), ConfigFromParams(p))

	p.SetParams(map[string]any{ParamOptimizer: "adam", ParamAdamEpsilon: 1e-5, ParamSGDMomentum: 0})
	config := ConfigFromParams(p)
	assert.Equal(t, "adam", config.Name)
	assert.Equal(t, 1e-5, config.Epsilon)
	assert.Equal(t, 0.0, config.Momentum)
	assert.False(t, math.IsNaN(config.Beta1))
}
