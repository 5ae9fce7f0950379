// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelwise

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/segtrain/pkg/ml/data"
	"github.com/gomlx/segtrain/pkg/ml/params"
	"github.com/gomlx/segtrain/pkg/ml/train"
	"github.com/gomlx/segtrain/pkg/ml/train/optimizers"
)

// makeBatch creates samples whose mask is 1 where the first channel is > 0.5.
func makeBatch(rng *rand.Rand, batchSize, height, width int) data.Batch {
	var batch data.Batch
	numPixels := height * width
	for ii := range batchSize {
		input := data.NewTensor(3, height, width)
		label := data.NewTensor(1, height, width)
		for jj := range input.Values {
			input.Values[jj] = rng.Float32()
		}
		for jj := range numPixels {
			if input.Values[jj] > 0.5 {
				label.Values[jj] = 1
			}
		}
		batch.Inputs = append(batch.Inputs, input)
		batch.Labels = append(batch.Labels, label)
		batch.Indices = append(batch.Indices, ii)
	}
	return batch
}

func TestLossGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	const n = 20
	logits := make([]float64, n)
	labels := make([]float64, n)
	for ii := range n {
		logits[ii] = rng.NormFloat64() * 2
		if rng.IntN(2) == 1 {
			labels[ii] = 1
		}
	}
	for name, lossFn := range KnownLosses {
		t.Run(name, func(t *testing.T) {
			dLogits := make([]float64, n)
			loss := lossFn(logits, labels, dLogits)
			assert.Equal(t, loss, lossFn(logits, labels, nil))
			const h = 1e-6
			for ii := range n {
				saved := logits[ii]
				logits[ii] = saved + h
				plus := lossFn(logits, labels, nil)
				logits[ii] = saved - h
				minus := lossFn(logits, labels, nil)
				logits[ii] = saved
				assert.InDelta(t, (plus-minus)/(2*h), dLogits[ii], 1e-6, "logit #%d", ii)
			}
		})
	}

	// Known values.
	assert.InDelta(t, math.Log(2), BinaryCrossentropy([]float64{0, 0}, []float64{0, 1}, nil), 1e-12)
	assert.InDelta(t, 0.0, SoftDice([]float64{-100, -100}, []float64{0, 0}, nil), 1e-12)

	_, err := LossByName("focal")
	require.Error(t, err)
}

func TestForwardBackward(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 0))
	batch := makeBatch(rng, 6, 4, 5)
	for _, lossName := range []string{"bce", "dice"} {
		t.Run(lossName, func(t *testing.T) {
			config := DefaultConfig()
			config.Loss = lossName
			m, err := New(config)
			require.NoError(t, err)
			for ii := range m.weights {
				m.weights[ii] = rng.NormFloat64()
			}

			loss, err := m.ForwardBackward(batch, 1)
			require.NoError(t, err)
			evalLoss, err := m.Evaluate(batch)
			require.NoError(t, err)
			assert.InDelta(t, evalLoss, loss, 1e-12)

			// Compare with finite differences on the parameters.
			const h = 1e-6
			for ii := range m.weights {
				saved := m.weights[ii]
				m.weights[ii] = saved + h
				plus, err := m.Evaluate(batch)
				require.NoError(t, err)
				m.weights[ii] = saved - h
				minus, err := m.Evaluate(batch)
				require.NoError(t, err)
				m.weights[ii] = saved
				assert.InDelta(t, (plus-minus)/(2*h), m.Gradients()[ii], 1e-6, "parameter #%d", ii)
			}
		})
	}
}

func TestDevicesFanOut(t *testing.T) {
	batch := makeBatch(rand.New(rand.NewPCG(7, 0)), 7, 3, 3)
	var wantLoss float64
	var wantGradients []float64
	for _, numDevices := range []int{1, 2, 3, 7, 16} {
		config := DefaultConfig()
		config.NumDevices = numDevices
		m, err := New(config)
		require.NoError(t, err)
		copy(m.weights, []float64{0.5, -1, 2, 0.1})

		// Two accumulated halves.
		loss1, err := m.ForwardBackward(batch, 0.5)
		require.NoError(t, err)
		loss2, err := m.ForwardBackward(batch, 0.5)
		require.NoError(t, err)
		loss := loss1 + loss2
		if numDevices == 1 {
			wantLoss = loss
			wantGradients = append([]float64(nil), m.Gradients()...)
			continue
		}
		assert.InDelta(t, wantLoss, loss, 1e-12, "numDevices=%d", numDevices)
		assert.InDeltaSlice(t, wantGradients, m.Gradients(), 1e-12, "numDevices=%d", numDevices)
	}
}

func TestTraining(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 0))
	batch := makeBatch(rng, 8, 8, 8)
	m, err := New(DefaultConfig())
	require.NoError(t, err)
	m.SetLearningRate(0.1)
	initialLoss, err := m.Evaluate(batch)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), initialLoss, 1e-9)

	for range 100 {
		_, err := m.ForwardBackward(batch, 1)
		require.NoError(t, err)
		require.NoError(t, m.ApplyStep())
		m.ClearGradients()
	}
	finalLoss, err := m.Evaluate(batch)
	require.NoError(t, err)
	assert.Less(t, finalLoss, initialLoss)
	// The first channel is the only one correlated with the mask.
	assert.Greater(t, m.Weights()[0], math.Abs(m.Weights()[1]))
	assert.Equal(t, []float64{0, 0, 0, 0}, m.Gradients())

	// Same with Adam.
	config := DefaultConfig()
	config.Optimizer.Name = "adam"
	m, err = New(config)
	require.NoError(t, err)
	m.SetLearningRate(0.05)
	for range 100 {
		_, err := m.ForwardBackward(batch, 1)
		require.NoError(t, err)
		require.NoError(t, m.ApplyStep())
		m.ClearGradients()
	}
	adamLoss, err := m.Evaluate(batch)
	require.NoError(t, err)
	assert.Less(t, adamLoss, initialLoss)
	assert.Contains(t, m.String(), "optimizer=adam")
}

func TestState(t *testing.T) {
	batch := makeBatch(rand.New(rand.NewPCG(5, 0)), 2, 3, 3)
	m, err := New(DefaultConfig())
	require.NoError(t, err)
	m.SetLearningRate(0.5)
	_, err = m.ForwardBackward(batch, 1)
	require.NoError(t, err)
	require.NoError(t, m.ApplyStep())
	m.ClearGradients()

	state, err := m.ExportState()
	require.NoError(t, err)
	savedWeights := append([]float64(nil), m.weights...)
	savedOptimizerState := m.optimizer.State()

	_, err = m.ForwardBackward(batch, 1)
	require.NoError(t, err)
	require.NoError(t, m.ApplyStep())
	require.NotEqual(t, savedWeights, m.weights)

	require.NoError(t, m.ImportState(state))
	assert.Equal(t, savedWeights, m.weights)
	assert.Equal(t, savedOptimizerState, m.optimizer.State())

	// Different number of channels.
	config := DefaultConfig()
	config.Channels = 1
	m1, err := New(config)
	require.NoError(t, err)
	require.Error(t, m1.ImportState(state))
	require.Error(t, m.ImportState(train.State{}))
	require.Error(t, m.ImportState(train.State{Parameters: state.Parameters, OptimizerState: state.OptimizerState[:10]}))
}

func TestErrors(t *testing.T) {
	for _, modify := range []func(c *Config){
		func(c *Config) { c.Channels = 0 },
		func(c *Config) { c.NumDevices = 0 },
		func(c *Config) { c.Optimizer.Momentum = 1 },
		func(c *Config) { c.Optimizer.Name = "lion" },
		func(c *Config) { c.Loss = "l2" },
	} {
		config := DefaultConfig()
		modify(&config)
		_, err := New(config)
		require.Error(t, err, "config=%+v", config)
	}

	m, err := New(DefaultConfig())
	require.NoError(t, err)
	_, err = m.ForwardBackward(data.Batch{}, 1)
	require.Error(t, err)
	bad := data.Batch{
		Inputs: []*data.Tensor{data.NewTensor(1, 2, 2)},
		Labels: []*data.Tensor{data.NewTensor(1, 2, 2)},
	}
	_, err = m.ForwardBackward(bad, 1)
	require.Error(t, err)
	bad.Inputs[0] = data.NewTensor(3, 2, 2)
	bad.Labels[0] = data.NewTensor(1, 3, 3)
	_, err = m.Evaluate(bad)
	require.Error(t, err)
}

func TestConfigFromParams(t *testing.T) {
	p := params.New()
	assert.Equal(t, DefaultConfig(), ConfigFromParams(p))
	p.SetParams(map[string]any{ParamNumDevices: 4, ParamLoss: "dice", optimizers.ParamSGDMomentum: 0.5})
	config := ConfigFromParams(p)
	assert.Equal(t, 4, config.NumDevices)
	assert.Equal(t, "dice", config.Loss)
	assert.Equal(t, 0.5, config.Optimizer.Momentum)
	assert.Equal(t, 3, config.Channels)
}
