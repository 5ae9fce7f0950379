// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/pkg/errors"
)

// adam implements the Adam optimizer (https://arxiv.org/abs/1412.6980) and its variations:
//
//   - adamax: the second moment uses the infinity norm.
//   - rmsProp: no first moment, the gradient is used directly.
//   - adamw: weight decay (Config.WeightDecay) scaled by the learning rate.
//
// Its state is the number of steps taken followed by the first and second moments.
type adam struct {
	name            string
	config          Config
	adamax, rmsProp bool

	numSteps         float64
	moment1, moment2 []float64
}

func newAdam(name string, config Config, numParams int) *adam {
	return &adam{
		name:    name,
		config:  config,
		moment1: make([]float64, numParams),
		moment2: make([]float64, numParams),
	}
}

// Name implements optimizers.Interface.
func (o *adam) Name() string { return o.name }

// Update implements optimizers.Interface.
func (o *adam) Update(weights, gradients []float64, learningRate float64) error {
	if err := checkSizes(o.name, len(o.moment1), weights, gradients); err != nil {
		return err
	}
	o.numSteps++
	beta1, beta2 := o.config.Beta1, o.config.Beta2
	debiasTermBeta1 := 1 / (1 - math.Pow(beta1, o.numSteps))
	debiasTermBeta2 := 1 / (1 - math.Pow(beta2, o.numSteps))
	clip := o.config.ClipStepByValue

	for ii, grad := range gradients {
		debiasedMoment1 := grad
		if !o.rmsProp {
			o.moment1[ii] = beta1*o.moment1[ii] + (1-beta1)*grad
			debiasedMoment1 = o.moment1[ii] * debiasTermBeta1
		}
		var denominator float64
		if o.adamax {
			o.moment2[ii] = math.Max(beta2*o.moment2[ii], math.Abs(grad))
			denominator = o.moment2[ii] + o.config.Epsilon
		} else {
			o.moment2[ii] = beta2*o.moment2[ii] + (1-beta2)*grad*grad
			denominator = math.Sqrt(o.moment2[ii]*debiasTermBeta2) + o.config.Epsilon
		}
		step := learningRate * debiasedMoment1 / denominator
		if o.config.WeightDecay > 0 {
			step += learningRate * o.config.WeightDecay * weights[ii]
		}
		if clip > 0 {
			step = min(max(step, -clip), clip)
		}
		weights[ii] -= step
	}
	return nil
}

// State implements optimizers.Interface.
func (o *adam) State() []float64 {
	state := make([]float64, 0, 1+2*len(o.moment1))
	state = append(state, o.numSteps)
	state = append(state, o.moment1...)
	return append(state, o.moment2...)
}

// SetState implements optimizers.Interface.
func (o *adam) SetState(state []float64) error {
	numParams := len(o.moment1)
	if len(state) != 1+2*numParams {
		return errors.Errorf("optimizer %q: state has %d values, wanted %d", o.name, len(state), 1+2*numParams)
	}
	if state[0] < 0 || state[0] != math.Trunc(state[0]) {
		return errors.Errorf("optimizer %q: invalid number of steps %g in state", o.name, state[0])
	}
	o.numSteps = state[0]
	copy(o.moment1, state[1:1+numParams])
	copy(o.moment2, state[1+numParams:])
	return nil
}
