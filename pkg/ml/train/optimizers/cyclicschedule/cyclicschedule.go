// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cyclicschedule implements the triangular cyclic learning rate schedule, see [1].
//
// The learning rate moves linearly from the base value up to the maximum value over a
// half-period, and back down over the next half-period, repeating indefinitely. The schedule
// is advanced once per committed optimizer step, never per micro-batch.
//
// [1] Leslie N. Smith, "Cyclical Learning Rates for Training Neural Networks", https://arxiv.org/abs/1506.01186
package cyclicschedule

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/segtrain/pkg/ml/params"
)

var (
	// ParamBaseLearningRate is the lowest learning rate of the cycle, reached at the start of
	// every period. Default is 0.00025.
	ParamBaseLearningRate = "cyclic_base_learning_rate"

	// ParamMaxLearningRate is the highest learning rate of the cycle, reached in the middle of
	// every period. It must be >= ParamBaseLearningRate. Default is 0.01.
	ParamMaxLearningRate = "cyclic_max_learning_rate"

	// ParamHalfPeriodSteps is the number of committed steps to go from the base learning rate to the
	// maximum one (and the same number to come back). Must be > 0. Default is 100.
	ParamHalfPeriodSteps = "cyclic_half_period_steps"
)

const (
	DefaultBaseLearningRate = 0.00025
	DefaultMaxLearningRate  = 0.01
	DefaultHalfPeriodSteps  = 100
)

// LearningRate returns the learning rate of the triangular wave at the given step:
// base at step 0, max at step halfPeriod, base again at step 2*halfPeriod and so on.
//
// It panics if halfPeriod <= 0.
func LearningRate(base, max float64, halfPeriod int, step int64) float64 {
	if halfPeriod <= 0 {
		exceptions.Panicf("cyclicschedule.LearningRate: halfPeriod must be > 0, got %d", halfPeriod)
	}
	period := 2 * int64(halfPeriod)
	pos := step % period
	if pos < 0 {
		pos += period
	}
	x := float64(pos) / float64(halfPeriod)
	triangle := x
	if x >= 1 {
		triangle = 2 - x
	}
	lr := base + (max-base)*triangle
	// Guard against rounding taking it off the bounds.
	return math.Min(math.Max(lr, math.Min(base, max)), math.Max(base, max))
}

// Schedule is a triangular cyclic schedule whose phase starts at PhaseStart.
//
// It is a plain value: the training loop owns it and persists it in checkpoints, so that a
// resumed run continues with the same phase.
type Schedule struct {
	BaseLR, MaxLR   float64
	HalfPeriodSteps int

	// PhaseStart is the global step at which the current cycle started. It is reset on every decay.
	PhaseStart int64
}

// New creates a schedule starting its phase at step 0.
func New(base, max float64, halfPeriodSteps int) Schedule {
	return Schedule{BaseLR: base, MaxLR: max, HalfPeriodSteps: halfPeriodSteps}
}

// FromParams creates a schedule configured with ParamBaseLearningRate, ParamMaxLearningRate and
// ParamHalfPeriodSteps.
func FromParams(p *params.Params) Schedule {
	return New(
		params.GetParamOr(p, ParamBaseLearningRate, DefaultBaseLearningRate),
		params.GetParamOr(p, ParamMaxLearningRate, DefaultMaxLearningRate),
		params.GetParamOr(p, ParamHalfPeriodSteps, DefaultHalfPeriodSteps))
}

// LR returns the learning rate for the given global step.
func (s Schedule) LR(globalStep int64) float64 {
	return LearningRate(s.BaseLR, s.MaxLR, s.HalfPeriodSteps, globalStep-s.PhaseStart)
}

// Decay multiplies both bounds by factor and restarts the cycle at globalStep.
func (s *Schedule) Decay(factor float64, globalStep int64) {
	s.BaseLR *= factor
	s.MaxLR *= factor
	s.PhaseStart = globalStep
}

// SetMaxLR replaces the upper bound of the cycle. The base is clamped so it doesn't exceed it.
func (s *Schedule) SetMaxLR(maxLR float64) {
	s.MaxLR = maxLR
	if s.BaseLR > maxLR {
		s.BaseLR = maxLR
	}
}

// String implements fmt.Stringer.
func (s Schedule) String() string {
	return fmt.Sprintf("cyclic(base=%g, max=%g, half_period=%d, phase_start=%d)",
		s.BaseLR, s.MaxLR, s.HalfPeriodSteps, s.PhaseStart)
}
