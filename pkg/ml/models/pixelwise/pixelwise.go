// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pixelwise implements a small segmentation model: an independent logistic regression on
// the channels of each pixel, trained with any of the optimizers in train/optimizers.
//
// It is the reference implementation of train.Model: it is cheap enough to train on a CPU, and it
// splits every micro-batch across NumDevices goroutines, reducing their partial gradients before
// accumulating them, the same way a multi-accelerator model would.
package pixelwise

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/gomlx/segtrain/pkg/ml/data"
	"github.com/gomlx/segtrain/pkg/ml/params"
	"github.com/gomlx/segtrain/pkg/ml/train"
	"github.com/gomlx/segtrain/pkg/ml/train/optimizers"
)

const (
	// ParamNumDevices is the number of goroutines each micro-batch is split across. Default is 1.
	ParamNumDevices = "pixelwise_num_devices"

	// ParamChannels is the number of channels of the input images. Default is 3.
	ParamChannels = "pixelwise_channels"
)

// Config of a Model.
type Config struct {
	Channels   int
	NumDevices int
	Loss       string
	Optimizer  optimizers.Config
}

// DefaultConfig returns the configuration used for RGB images with the BCE loss.
func DefaultConfig() Config {
	return Config{
		Channels:   3,
		NumDevices: 1,
		Loss:       "bce",
		Optimizer:  optimizers.DefaultConfig(),
	}
}

// ConfigFromParams reads the configuration from the hyperparameters, using DefaultConfig for the
// missing values.
func ConfigFromParams(p *params.Params) Config {
	c := DefaultConfig()
	c.Channels = params.GetParamOr(p, ParamChannels, c.Channels)
	c.NumDevices = params.GetParamOr(p, ParamNumDevices, c.NumDevices)
	c.Loss = params.GetParamOr(p, ParamLoss, c.Loss)
	c.Optimizer = optimizers.ConfigFromParams(p)
	return c
}

// Model is a per-pixel logistic regression. It implements train.Model.
//
// Parameters are one weight per input channel followed by the bias.
type Model struct {
	config    Config
	lossFn    LossFn
	optimizer optimizers.Interface

	weights, gradients []float64
	learningRate       float64
}

var _ train.Model = (*Model)(nil)

// New creates a Model with zero-initialized parameters.
func New(config Config) (*Model, error) {
	if config.Channels <= 0 {
		return nil, errors.Errorf("pixelwise.New(): channels must be > 0, got %d", config.Channels)
	}
	if config.NumDevices <= 0 {
		return nil, errors.Errorf("pixelwise.New(): number of devices must be > 0, got %d", config.NumDevices)
	}
	lossFn, err := LossByName(config.Loss)
	if err != nil {
		return nil, errors.WithMessage(err, "pixelwise.New()")
	}
	numParams := config.Channels + 1
	optimizer, err := optimizers.New(config.Optimizer, numParams)
	if err != nil {
		return nil, errors.WithMessage(err, "pixelwise.New()")
	}
	return &Model{
		config:    config,
		lossFn:    lossFn,
		optimizer: optimizer,
		weights:   make([]float64, numParams),
		gradients: make([]float64, numParams),
	}, nil
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("pixelwise(channels=%d, devices=%d, loss=%s, optimizer=%s)",
		m.config.Channels, m.config.NumDevices, m.config.Loss, m.optimizer.Name())
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.config
}

// Weights returns the current parameters: one weight per channel followed by the bias.
// The returned slice is owned by the Model and must not be modified.
func (m *Model) Weights() []float64 {
	return m.weights
}

// Gradients returns the accumulated gradients. The returned slice is owned by the Model.
func (m *Model) Gradients() []float64 {
	return m.gradients
}

// LearningRate last set with SetLearningRate.
func (m *Model) LearningRate() float64 {
	return m.learningRate
}

// partial results of one device.
type partial struct {
	loss      float64
	gradients []float64
}

// run splits the batch across the devices and returns the mean loss of the batch and,
// if withGradients is set, the mean gradients.
func (m *Model) run(batch data.Batch, withGradients bool) (loss float64, gradients []float64, err error) {
	batchSize := batch.Len()
	if batchSize == 0 {
		return 0, nil, errors.New("empty batch")
	}
	if len(batch.Labels) != batchSize {
		return 0, nil, errors.Errorf("batch has %d inputs but %d labels", batchSize, len(batch.Labels))
	}
	numDevices := min(m.config.NumDevices, batchSize)
	partials := make([]partial, numDevices)
	var g errgroup.Group
	for device := range numDevices {
		start := device * batchSize / numDevices
		end := (device + 1) * batchSize / numDevices
		g.Go(func() error {
			p := &partials[device]
			if withGradients {
				p.gradients = make([]float64, len(m.weights))
			}
			for ii := start; ii < end; ii++ {
				sampleLoss, err := m.sample(batch.Inputs[ii], batch.Labels[ii], p.gradients)
				if err != nil {
					return errors.WithMessagef(err, "device #%d, sample #%d of batch", device, ii)
				}
				p.loss += sampleLoss
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return 0, nil, err
	}
	klog.V(3).Infof("pixelwise: batch of %d split across %d devices", batchSize, numDevices)

	// Reduce.
	scale := 1.0 / float64(batchSize)
	if withGradients {
		gradients = partials[0].gradients
		for _, p := range partials[1:] {
			floats.Add(gradients, p.gradients)
		}
		floats.Scale(scale, gradients)
	}
	for _, p := range partials {
		loss += p.loss
	}
	return loss * scale, gradients, nil
}

// sample computes the loss of one sample, and adds its gradients to gradients if it is not nil.
func (m *Model) sample(input, label *data.Tensor, gradients []float64) (float64, error) {
	channels := m.config.Channels
	if len(input.Shape) != 3 || input.Shape[0] != channels {
		return 0, errors.Errorf("input shape %v, wanted [%d, height, width]", input.Shape, channels)
	}
	numPixels := input.Shape[1] * input.Shape[2]
	if label.Size() != numPixels {
		return 0, errors.Errorf("label shape %v doesn't match input shape %v", label.Shape, input.Shape)
	}
	if err := input.CheckShape(); err != nil {
		return 0, err
	}
	if err := label.CheckShape(); err != nil {
		return 0, err
	}

	channelValues := make([][]float64, channels)
	logits := make([]float64, numPixels)
	bias := m.weights[channels]
	for ii := range logits {
		logits[ii] = bias
	}
	for c := range channels {
		values := toFloat64(input.Values[c*numPixels : (c+1)*numPixels])
		channelValues[c] = values
		floats.AddScaled(logits, m.weights[c], values)
	}
	labels := toFloat64(label.Values)
	if gradients == nil {
		return m.lossFn(logits, labels, nil), nil
	}

	dLogits := make([]float64, numPixels)
	loss := m.lossFn(logits, labels, dLogits)
	for c, values := range channelValues {
		gradients[c] += floats.Dot(dLogits, values)
	}
	gradients[channels] += floats.Sum(dLogits)
	return loss, nil
}

func toFloat64(values []float32) []float64 {
	converted := make([]float64, len(values))
	for ii, v := range values {
		converted[ii] = float64(v)
	}
	return converted
}

// ForwardBackward implements train.Model.
func (m *Model) ForwardBackward(batch data.Batch, lossScale float64) (float64, error) {
	loss, gradients, err := m.run(batch, true)
	if err != nil {
		return 0, errors.WithMessage(err, "pixelwise.ForwardBackward()")
	}
	floats.AddScaled(m.gradients, lossScale, gradients)
	return loss * lossScale, nil
}

// Evaluate implements train.Model.
func (m *Model) Evaluate(batch data.Batch) (float64, error) {
	loss, _, err := m.run(batch, false)
	if err != nil {
		return 0, errors.WithMessage(err, "pixelwise.Evaluate()")
	}
	return loss, nil
}

// ApplyStep implements train.Model, updating the weights with the configured optimizer.
func (m *Model) ApplyStep() error {
	if floats.HasNaN(m.gradients) {
		return errors.New("pixelwise.ApplyStep(): gradients have NaN values")
	}
	if err := m.optimizer.Update(m.weights, m.gradients, m.learningRate); err != nil {
		return errors.WithMessage(err, "pixelwise.ApplyStep()")
	}
	return nil
}

// ClearGradients implements train.Model.
func (m *Model) ClearGradients() {
	clear(m.gradients)
}

// SetLearningRate implements train.Model.
func (m *Model) SetLearningRate(lr float64) {
	m.learningRate = lr
}

// ExportState implements train.Model.
func (m *Model) ExportState() (train.State, error) {
	return train.State{
		Parameters:     encodeVector(m.weights),
		OptimizerState: encodeVector(m.optimizer.State()),
	}, nil
}

// ImportState implements train.Model.
func (m *Model) ImportState(state train.State) error {
	weights, err := decodeVector(state.Parameters, len(m.weights))
	if err != nil {
		return errors.WithMessage(err, "pixelwise.ImportState(): parameters")
	}
	optimizerState, err := decodeVector(state.OptimizerState, len(m.optimizer.State()))
	if err != nil {
		return errors.WithMessage(err, "pixelwise.ImportState(): optimizer state")
	}
	if err = m.optimizer.SetState(optimizerState); err != nil {
		return errors.WithMessage(err, "pixelwise.ImportState()")
	}
	copy(m.weights, weights)
	return nil
}
