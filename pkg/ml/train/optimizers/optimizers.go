// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers that update the parameters of a model from its
// accumulated gradients. They all implement optimizers.Interface, and operate on flat float64 vectors.
package optimizers

import (
	"maps"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/segtrain/pkg/ml/params"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Name of the optimizer, as in KnownOptimizers.
	Name() string

	// Update the weights in place, one step in the direction opposite to the gradients.
	// Both slices must have the length given when the optimizer was created.
	Update(weights, gradients []float64, learningRate float64) error

	// State returns a copy of the optimizer internal state (e.g. moments), so it can be saved
	// with the parameters.
	State() []float64

	// SetState restores a state returned by State.
	SetState(state []float64) error
}

// Constructor of an optimizer for numParams parameters.
type Constructor func(config Config, numParams int) Interface

var (
	// KnownOptimizers is a map of known optimizers by name to their constructors.
	KnownOptimizers = map[string]Constructor{
		"sgd":  func(config Config, numParams int) Interface { return newSGD(config, numParams) },
		"adam": func(config Config, numParams int) Interface { return newAdam("adam", config, numParams) },
		"adamax": func(config Config, numParams int) Interface {
			o := newAdam("adamax", config, numParams)
			o.adamax = true
			return o
		},
		"adamw": func(config Config, numParams int) Interface {
			if config.WeightDecay == 0 {
				config.WeightDecay = DefaultAdamWWeightDecay
			}
			return newAdam("adamw", config, numParams)
		},
		"rmsprop": func(config Config, numParams int) Interface {
			o := newAdam("rmsprop", config, numParams)
			o.rmsProp = true
			return o
		},
	}

	// ParamOptimizer is the hyperparameter with the name of the optimizer.
	// The default value is "sgd".
	ParamOptimizer = "optimizer"

	// ParamSGDMomentum is the momentum of the "sgd" optimizer. Default is 0.9.
	ParamSGDMomentum = "sgd_momentum"

	// ParamAdamEpsilon can be used to configure the default value of epsilon. It must be a float64.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay defaults to 0.0, except for "adamw". See Config.WeightDecay.
	ParamAdamWeightDecay = "adam_weight_decay"

	// ParamAdamBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	ParamAdamBeta2 = "adam_beta2"

	// ParamClipStepByValue is a scalar value used to clip each value of the step, after
	// being scaled by the learning rate and the optimizer.
	// Defaults to 0, meaning no clipping.
	ParamClipStepByValue = "clip_step_by_value"
)

// DefaultAdamWWeightDecay is the weight decay used by "adamw" if none is configured.
const DefaultAdamWWeightDecay = 0.004

// Config holds the hyperparameters of all optimizers. Each optimizer only uses the ones relevant to it.
type Config struct {
	// Name of the optimizer in KnownOptimizers.
	Name string

	// Momentum of "sgd".
	Momentum float64

	// Beta1, Beta2 are the moving averages constants (exponential decays) of the Adam family.
	Beta1, Beta2 float64

	// Epsilon used on the denominator of the Adam family.
	Epsilon float64

	// WeightDecay of the Adam family, scaled by the learning rate.
	WeightDecay float64

	// ClipStepByValue, if > 0, clips each value of the step to [-ClipStepByValue, +ClipStepByValue].
	ClipStepByValue float64
}

// DefaultConfig returns the configuration of SGD with momentum 0.9, and the usual Adam defaults.
func DefaultConfig() Config {
	return Config{
		Name:     "sgd",
		Momentum: 0.9,
		Beta1:    0.9,
		Beta2:    0.999,
		Epsilon:  1e-7,
	}
}

// ConfigFromParams reads the configuration from the hyperparameters, using DefaultConfig for the
// missing values.
func ConfigFromParams(p *params.Params) Config {
	c := DefaultConfig()
	c.Name = params.GetParamOr(p, ParamOptimizer, c.Name)
	c.Momentum = params.GetParamOr(p, ParamSGDMomentum, c.Momentum)
	c.Beta1 = params.GetParamOr(p, ParamAdamBeta1, c.Beta1)
	c.Beta2 = params.GetParamOr(p, ParamAdamBeta2, c.Beta2)
	c.Epsilon = params.GetParamOr(p, ParamAdamEpsilon, c.Epsilon)
	c.WeightDecay = params.GetParamOr(p, ParamAdamWeightDecay, c.WeightDecay)
	c.ClipStepByValue = params.GetParamOr(p, ParamClipStepByValue, c.ClipStepByValue)
	return c
}

// SetDefaultParams sets the hyperparameters of the configuration in p, so they are listed (and can be
// changed) with the other settings.
func (c Config) SetDefaultParams(p *params.Params) {
	p.SetParams(map[string]any{
		ParamOptimizer:       c.Name,
		ParamSGDMomentum:     c.Momentum,
		ParamAdamBeta1:       c.Beta1,
		ParamAdamBeta2:       c.Beta2,
		ParamAdamEpsilon:     c.Epsilon,
		ParamAdamWeightDecay: c.WeightDecay,
		ParamClipStepByValue: c.ClipStepByValue,
	})
}

// Names returns the sorted names of the known optimizers.
func Names() []string {
	return slices.Sorted(maps.Keys(KnownOptimizers))
}

// New creates the optimizer named in the configuration, for numParams parameters.
func New(config Config, numParams int) (Interface, error) {
	constructor, found := KnownOptimizers[config.Name]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", config.Name, Names())
	}
	if numParams <= 0 {
		return nil, errors.Errorf("optimizer %q: number of parameters must be > 0, got %d", config.Name, numParams)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, errors.Errorf("optimizer %q: momentum must be in [0, 1), got %g", config.Name, config.Momentum)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("optimizer %q: betas must be in [0, 1), got %g and %g", config.Name, config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("optimizer %q: epsilon must be > 0, got %g", config.Name, config.Epsilon)
	}
	return constructor(config, numParams), nil
}

// checkSizes of the weights and gradients given to Update.
func checkSizes(name string, numParams int, weights, gradients []float64) error {
	if len(weights) != numParams || len(gradients) != numParams {
		return errors.Errorf("optimizer %q: created for %d parameters, got %d weights and %d gradients",
			name, numParams, len(weights), len(gradients))
	}
	return nil
}

// clipStep clips the step values in place, if clipping is configured.
func clipStep(step []float64, clip float64) {
	if clip <= 0 {
		return
	}
	for ii, v := range step {
		step[ii] = min(max(v, -clip), clip)
	}
}

// sgd implements stochastic gradient descent with momentum:
//
//	velocity = momentum * velocity + gradients
//	weights -= learningRate * velocity
type sgd struct {
	config   Config
	velocity []float64
	step     []float64
}

func newSGD(config Config, numParams int) *sgd {
	return &sgd{
		config:   config,
		velocity: make([]float64, numParams),
		step:     make([]float64, numParams),
	}
}

// Name implements optimizers.Interface.
func (o *sgd) Name() string { return "sgd" }

// Update implements optimizers.Interface.
func (o *sgd) Update(weights, gradients []float64, learningRate float64) error {
	if err := checkSizes(o.Name(), len(o.velocity), weights, gradients); err != nil {
		return err
	}
	floats.Scale(o.config.Momentum, o.velocity)
	floats.Add(o.velocity, gradients)
	floats.ScaleTo(o.step, learningRate, o.velocity)
	clipStep(o.step, o.config.ClipStepByValue)
	floats.Sub(weights, o.step)
	return nil
}

// State implements optimizers.Interface.
func (o *sgd) State() []float64 {
	return slices.Clone(o.velocity)
}

// SetState implements optimizers.Interface.
func (o *sgd) SetState(state []float64) error {
	if len(state) != len(o.velocity) {
		return errors.Errorf("optimizer %q: state has %d values, wanted %d", o.Name(), len(state), len(o.velocity))
	}
	copy(o.velocity, state)
	return nil
}
