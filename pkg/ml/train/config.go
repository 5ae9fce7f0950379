// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"

	"github.com/gomlx/segtrain/pkg/ml/params"
	"github.com/gomlx/segtrain/pkg/ml/train/optimizers/cyclicschedule"
)

var (
	// ParamTargetBatchSize is the effective batch size of each optimizer step. Default is 16.
	ParamTargetBatchSize = "target_batch_size"

	// ParamMicroBatchSize is the number of samples of each forward/backward call, that is the
	// number of samples per device times the number of devices. Default is 4.
	ParamMicroBatchSize = "micro_batch_size"

	// ParamMaxEpochs is the last epoch (counting from 1) to train. When resuming, epochs continue
	// from the checkpoint's epoch up to this one. Default is 100.
	ParamMaxEpochs = "max_epochs"

	// ParamStallLimit is the number of epochs without improvement of the monitored loss (since the
	// last improvement or decay) after which the learning rate decays. Default is 5.
	ParamStallLimit = "stall_limit"

	// ParamStopLimit is the number of epochs without improvement of the monitored loss after which
	// training stops. Must be >= ParamStallLimit. Default is 20.
	ParamStopLimit = "stop_limit"

	// ParamMinLearningRate: training stops if a decay takes the maximum learning rate below it.
	// Default is 1e-7.
	ParamMinLearningRate = "min_learning_rate"

	// ParamDecayFactor multiplies both bounds of the learning rate schedule on each decay.
	// Default is 0.5.
	ParamDecayFactor = "decay_factor"

	// ParamStatsSteps is the period, in committed steps, of the running loss statistics. 0 disables
	// them. Default is 30.
	ParamStatsSteps = "stats_steps"
)

// Default values of the hyperparameters.
const (
	DefaultTargetBatchSize = 16
	DefaultMicroBatchSize  = 4
	DefaultMaxEpochs       = 100
	DefaultStallLimit      = 5
	DefaultStopLimit       = 20
	DefaultMinLearningRate = 1e-7
	DefaultDecayFactor     = 0.5
	DefaultStatsSteps      = 30
)

// RunConfig holds the immutable configuration of a training run.
type RunConfig struct {
	TargetBatchSize, MicroBatchSize int

	BaseLR, MaxLR   float64
	HalfPeriodSteps int

	MaxEpochs             int
	StallLimit, StopLimit int
	MinLR                 float64
	DecayFactor           float64

	StatsSteps int
}

// DefaultParams returns the hyperparameters of a training run with their default values.
func DefaultParams() *params.Params {
	return params.NewWith(map[string]any{
		ParamTargetBatchSize:                 DefaultTargetBatchSize,
		ParamMicroBatchSize:                  DefaultMicroBatchSize,
		cyclicschedule.ParamBaseLearningRate: cyclicschedule.DefaultBaseLearningRate,
		cyclicschedule.ParamMaxLearningRate:  cyclicschedule.DefaultMaxLearningRate,
		cyclicschedule.ParamHalfPeriodSteps:  cyclicschedule.DefaultHalfPeriodSteps,
		ParamMaxEpochs:                       DefaultMaxEpochs,
		ParamStallLimit:                      DefaultStallLimit,
		ParamStopLimit:                       DefaultStopLimit,
		ParamMinLearningRate:                 DefaultMinLearningRate,
		ParamDecayFactor:                     DefaultDecayFactor,
		ParamStatsSteps:                      DefaultStatsSteps,
	})
}

// RunConfigFromParams builds the RunConfig from hyperparameters, using the default values for
// missing ones. It returns a *ConfigError if the result is invalid.
func RunConfigFromParams(p *params.Params) (RunConfig, error) {
	schedule := cyclicschedule.FromParams(p)
	config := RunConfig{
		TargetBatchSize: params.GetParamOr(p, ParamTargetBatchSize, DefaultTargetBatchSize),
		MicroBatchSize:  params.GetParamOr(p, ParamMicroBatchSize, DefaultMicroBatchSize),
		BaseLR:          schedule.BaseLR,
		MaxLR:           schedule.MaxLR,
		HalfPeriodSteps: schedule.HalfPeriodSteps,
		MaxEpochs:       params.GetParamOr(p, ParamMaxEpochs, DefaultMaxEpochs),
		StallLimit:      params.GetParamOr(p, ParamStallLimit, DefaultStallLimit),
		StopLimit:       params.GetParamOr(p, ParamStopLimit, DefaultStopLimit),
		MinLR:           params.GetParamOr(p, ParamMinLearningRate, DefaultMinLearningRate),
		DecayFactor:     params.GetParamOr(p, ParamDecayFactor, DefaultDecayFactor),
		StatsSteps:      params.GetParamOr(p, ParamStatsSteps, DefaultStatsSteps),
	}
	return config, config.Validate()
}

// Validate returns a *ConfigError describing the first invalid field, or nil.
func (c RunConfig) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case c.TargetBatchSize <= 0:
		return invalid("TargetBatchSize", "must be > 0, got %d", c.TargetBatchSize)
	case c.MicroBatchSize <= 0:
		return invalid("MicroBatchSize", "must be > 0, got %d", c.MicroBatchSize)
	case c.TargetBatchSize < c.MicroBatchSize:
		return invalid("TargetBatchSize", "must be >= MicroBatchSize (%d), got %d", c.MicroBatchSize, c.TargetBatchSize)
	case c.BaseLR < 0 || math.IsNaN(c.BaseLR):
		return invalid("BaseLR", "must be >= 0, got %g", c.BaseLR)
	case !(c.MaxLR >= c.BaseLR):
		return invalid("MaxLR", "must be >= BaseLR (%g), got %g", c.BaseLR, c.MaxLR)
	case c.HalfPeriodSteps <= 0:
		return invalid("HalfPeriodSteps", "must be > 0, got %d", c.HalfPeriodSteps)
	case c.MaxEpochs <= 0:
		return invalid("MaxEpochs", "must be > 0, got %d", c.MaxEpochs)
	case c.StallLimit < 0:
		return invalid("StallLimit", "must be >= 0, got %d", c.StallLimit)
	case c.StopLimit < c.StallLimit:
		return invalid("StopLimit", "must be >= StallLimit (%d), got %d", c.StallLimit, c.StopLimit)
	case c.MinLR < 0 || math.IsNaN(c.MinLR):
		return invalid("MinLR", "must be >= 0, got %g", c.MinLR)
	case !(c.DecayFactor > 0 && c.DecayFactor < 1):
		return invalid("DecayFactor", "must be in the open range (0, 1), got %g", c.DecayFactor)
	case c.StatsSteps < 0:
		return invalid("StatsSteps", "must be >= 0, got %d", c.StatsSteps)
	}
	return nil
}

// AccumulationCount is the number of micro-batches accumulated for each optimizer step:
// TargetBatchSize / MicroBatchSize, truncated, and at least 1.
func (c RunConfig) AccumulationCount() int {
	return AccumulationCount(c.TargetBatchSize, c.MicroBatchSize)
}

// EffectiveBatchSize is the number of samples of each optimizer step: it may be smaller than
// TargetBatchSize if it is not a multiple of MicroBatchSize.
func (c RunConfig) EffectiveBatchSize() int {
	return c.AccumulationCount() * c.MicroBatchSize
}

// AccumulationCount returns max(1, targetBatchSize/microBatchSize), with integer truncation.
func AccumulationCount(targetBatchSize, microBatchSize int) int {
	if microBatchSize <= 0 {
		return 1
	}
	return max(1, targetBatchSize/microBatchSize)
}

// TrainingState is the mutable state of a run, owned by the Loop.
type TrainingState struct {
	// Epoch being run (or the last completed, between epochs), starting at 1.
	Epoch int

	// GlobalStep counts committed optimizer steps: it drives the learning rate schedule.
	GlobalStep int64

	// MicroBatchCounter is the number of micro-batches accumulated since the last committed step,
	// and AccumulatedLoss the sum of their scaled losses.
	MicroBatchCounter int
	AccumulatedLoss   float64

	// EpochLossSum and EpochStepCount of the current epoch.
	EpochLossSum   float64
	EpochStepCount int

	BestTrainLoss, BestValLoss float64
	StallCount                 int
	CurrentLR                  float64
}

// NewTrainingState returns the state of a run that hasn't started.
func NewTrainingState() TrainingState {
	return TrainingState{
		BestTrainLoss: math.Inf(1),
		BestValLoss:   math.Inf(1),
	}
}
