// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the orchestration of the training of a segmentation Model: gradient
// accumulation over micro-batches, a cyclic learning rate schedule, best-loss checkpointing and
// plateau detection with learning rate decay, rollback and early stop.
//
// The main object is the Loop. Tools (progress bars, plots, statistics) attach to it through
// hooks, see Loop.OnStart, Loop.OnStep, Loop.OnEpochEnd and Loop.OnEnd.
package train

import (
	"io"
	"iter"
	"sort"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/segtrain/pkg/ml/checkpoints"
	"github.com/gomlx/segtrain/pkg/ml/train/metrics"
	"github.com/gomlx/segtrain/pkg/ml/train/optimizers/cyclicschedule"
	"github.com/gomlx/segtrain/pkg/ml/train/plateau"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks, called after each committed step with its loss.
type OnStepFn func(loop *Loop, loss float64) error

// OnEpochEndFn is the type of OnEpochEnd hooks.
type OnEpochEndFn func(loop *Loop, stats *EpochStats) error

// OnEndFn is the type of OnEnd hooks. stats is the one of the last epoch run, or nil if none was run.
//
// OnEnd hooks are also called when the loop fails after it started, so they can release resources.
// Their errors are then logged and the failure is returned by RunEpochs.
type OnEndFn func(loop *Loop, stats *EpochStats) error

// LRChange records a change of the learning rate schedule bounds.
type LRChange struct {
	// Reason is either "live" (from the LiveLearningRate source) or "decay".
	Reason string

	// FromMaxLR and ToMaxLR are the schedule maximum learning rates before and after the change.
	FromMaxLR, ToMaxLR float64
}

// EpochStats summarizes an epoch, passed to the OnEpochEnd hooks.
type EpochStats struct {
	Epoch int
	Steps int

	TrainLoss     float64
	TrainDecision plateau.Decision

	HasValidation bool
	ValLoss       float64
	ValDecision   plateau.Decision

	// LRChanges during the epoch: a live update at its start and/or a decay at its end.
	LRChanges []LRChange

	// RolledBackTo is the base name of the checkpoint restored on decay, if any.
	RolledBackTo string

	// Stopped is set if the run stops after this epoch, with the StopReason.
	Stopped    bool
	StopReason string

	Duration time.Duration
}

// Loop runs the training, calling the appropriate hooks.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	Config RunConfig
	Model  Model

	// Checkpoints handler, may be nil, in which case no checkpoints are saved, and decays happen
	// without rollback.
	Checkpoints *checkpoints.Handler

	// State of the run.
	State TrainingState

	// Schedule of the learning rate, with its current bounds and phase.
	Schedule cyclicschedule.Schedule

	// Plateau detector, created at the start of RunEpochs.
	Plateau *plateau.Detector

	Accumulator *Accumulator

	// StartStep is the value of GlobalStep at the start of RunEpochs.
	StartStep int64

	// EndStep is the estimated GlobalStep at the end of the run, or -1 if not known yet. It is
	// updated after every epoch, and doesn't account for an early stop.
	EndStep int64

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training, in nanoseconds: time between committed steps.
	TrainStepDurations *metrics.StreamingMedian

	validation Dataset
	liveLR     LiveLearningRate

	// Registered hooks.
	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop. checkpoint may be nil.
//
// It returns a *ConfigError if the configuration is invalid.
func NewLoop(config RunConfig, model Model, checkpoint *checkpoints.Handler) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	loop := &Loop{
		Config:             config,
		Model:              model,
		Checkpoints:        checkpoint,
		State:              NewTrainingState(),
		Schedule:           cyclicschedule.New(config.BaseLR, config.MaxLR, config.HalfPeriodSteps),
		Accumulator:        NewAccumulator(model, config.TargetBatchSize, config.MicroBatchSize),
		EndStep:            -1,
		SharedData:         make(map[string]any),
		TrainStepDurations: metrics.NewStreamingMedian("Median train step duration", "step time"),
		onStart:            newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:             newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd:         newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:              newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	return loop, nil
}

// WithValidation configures a validation dataset, evaluated at the end of every epoch. The
// validation loss becomes the monitored criterion of the plateau detection.
//
// It returns the Loop itself, so calls can be cascaded.
func (loop *Loop) WithValidation(ds Dataset) *Loop {
	loop.validation = ds
	return loop
}

// WithLiveLearningRate configures a source of learning rate overrides, polled at the start of
// every epoch.
func (loop *Loop) WithLiveLearningRate(source LiveLearningRate) *Loop {
	loop.liveLR = source
	return loop
}

// HasValidation returns whether a validation dataset was configured.
func (loop *Loop) HasValidation() bool {
	return loop.validation != nil
}

// MonitoredCriterion is the criterion driving the plateau detection.
func (loop *Loop) MonitoredCriterion() checkpoints.Criterion {
	if loop.validation != nil {
		return checkpoints.Validation
	}
	return checkpoints.Train
}

// Resume restores the model from the checkpoint and continues the counting of epochs and steps
// from it, with the same learning rate schedule bounds and phase, and the same best losses.
//
// It must be called before RunEpochs.
func (loop *Loop) Resume(ckpt *checkpoints.Checkpoint) error {
	err := loop.Model.ImportState(State{Parameters: ckpt.Parameters, OptimizerState: ckpt.OptimizerState})
	if err != nil {
		return errors.WithMessagef(err, "Loop.Resume(%q): failed to restore model state", ckpt.BaseName)
	}
	loop.State.Epoch = ckpt.Epoch
	loop.State.GlobalStep = ckpt.GlobalStep
	loop.State.BestTrainLoss = ckpt.BestTrainLoss
	loop.State.BestValLoss = ckpt.BestValLoss
	if ckpt.MaxLR > 0 {
		loop.Schedule.BaseLR = ckpt.BaseLR
		loop.Schedule.MaxLR = ckpt.MaxLR
	}
	loop.Schedule.PhaseStart = ckpt.SchedulePhaseStart
	klog.V(1).Infof("Loop.Resume(%q): epoch=%d, global step=%d, schedule=%s",
		ckpt.BaseName, ckpt.Epoch, ckpt.GlobalStep, loop.Schedule)
	return nil
}

// start of loop: it calls the appropriate hooks.
func (loop *Loop) start(ds Dataset) error {
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step is called after each committed step, and calls the appropriate hooks.
func (loop *Loop) step(loss float64) error {
	loop.State.GlobalStep++
	loop.State.EpochLossSum += loss
	loop.State.EpochStepCount++
	loop.setLearningRate()
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, loss)
		if err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) epochEnd(stats *EpochStats) error {
	for hook := range loop.onEpochEnd.All() {
		if err := hook.fn(loop, stats); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// end of loop: it calls the appropriate hooks.
func (loop *Loop) end(stats *EpochStats) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, stats); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// abort runs all OnEnd hooks after a failure, so tools can release their resources. Hook errors
// are only logged: the failure that aborted the loop is the one reported.
func (loop *Loop) abort(stats *EpochStats) {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, stats); err != nil {
			klog.Warningf("OnEnd(hook %q) after failure: %+v", hook.name, err)
		}
	}
}

// setLearningRate of the model to the value of the schedule at the current global step.
func (loop *Loop) setLearningRate() {
	lr := loop.Schedule.LR(loop.State.GlobalStep)
	loop.State.CurrentLR = lr
	loop.Model.SetLearningRate(lr)
}

// RunEpochs trains from the epoch following State.Epoch up to Config.MaxEpochs (included), or
// until the plateau detection stops the run.
//
// Dataset.Reset is called after each epoch (including the last).
func (loop *Loop) RunEpochs(ds Dataset) error {
	if loop.Plateau == nil {
		var err error
		loop.Plateau, err = plateau.New(loop.Config.StallLimit, loop.Config.StopLimit, loop.MonitoredCriterion())
		if err != nil {
			return &ConfigError{Field: "StallLimit/StopLimit", Reason: err.Error()}
		}
		loop.Plateau.SetBest(checkpoints.Train, loop.State.BestTrainLoss)
		loop.Plateau.SetBest(checkpoints.Validation, loop.State.BestValLoss)
	}
	loop.StartStep = loop.State.GlobalStep
	loop.EndStep = -1
	firstEpoch := loop.State.Epoch + 1
	if sized, ok := ds.(SizedDataset); ok {
		stepsPerEpoch := sized.NumBatches() / loop.Accumulator.AccumulationCount()
		loop.EndStep = loop.StartStep + int64(stepsPerEpoch*max(0, loop.Config.MaxEpochs-firstEpoch+1))
	}
	if err := loop.start(ds); err != nil {
		loop.abort(nil)
		return err
	}

	var stats *EpochStats
	loop.TrainStepDurations.Reset()
	for epoch := firstEpoch; epoch <= loop.Config.MaxEpochs; epoch++ {
		loop.State.Epoch = epoch
		epochStats, err := loop.runEpoch(ds)
		if err != nil {
			loop.abort(stats)
			return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d, GlobalStep=%d)",
				epoch, loop.Config.MaxEpochs, loop.State.GlobalStep)
		}
		stats = epochStats
		loop.EndStep = loop.State.GlobalStep + int64(stats.Steps*(loop.Config.MaxEpochs-epoch))
		if err = loop.epochEnd(stats); err != nil {
			loop.abort(stats)
			return err
		}
		if stats.Stopped {
			break
		}
	}
	if err := loop.end(stats); err != nil {
		return errors.WithMessagef(err, "Loop.RunEpochs(): failed end (GlobalStep=%d)", loop.State.GlobalStep)
	}
	return nil
}

// runEpoch runs one epoch over ds, followed by the optional validation and the plateau decisions.
func (loop *Loop) runEpoch(ds Dataset) (*EpochStats, error) {
	startTime := time.Now()
	stats := &EpochStats{Epoch: loop.State.Epoch}
	loop.pollLiveLearningRate(stats)
	loop.setLearningRate()
	loop.State.EpochLossSum = 0
	loop.State.EpochStepCount = 0

	// Micro-batches past the last complete effective batch are read but never fed.
	maxFed := -1
	if sized, ok := ds.(SizedDataset); ok {
		count := loop.Accumulator.AccumulationCount()
		maxFed = (sized.NumBatches() / count) * count
	}
	var fed int

	lastCommit := time.Now()
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed reading from Dataset %q", ds.Name())
		}
		if maxFed >= 0 && fed >= maxFed {
			continue
		}
		fed++
		result, err := loop.Accumulator.Feed(batch)
		loop.State.MicroBatchCounter = loop.Accumulator.Pending()
		loop.State.AccumulatedLoss = loop.Accumulator.AccumulatedLoss()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed training step (GlobalStep=%d)", loop.State.GlobalStep)
		}
		if !result.Committed {
			continue
		}
		loop.TrainStepDurations.Update(float64(time.Since(lastCommit)))
		if err = loop.step(result.Loss); err != nil {
			return nil, err
		}
		lastCommit = time.Now()
	}
	loop.Accumulator.Discard()
	loop.State.MicroBatchCounter = 0
	loop.State.AccumulatedLoss = 0
	ds.Reset()

	if loop.State.EpochStepCount == 0 {
		return nil, &DegenerateEpochError{Epoch: loop.State.Epoch, Dataset: ds.Name()}
	}
	stats.Steps = loop.State.EpochStepCount
	stats.TrainLoss = loop.State.EpochLossSum / float64(loop.State.EpochStepCount)
	stats.TrainDecision = loop.Plateau.Observe(checkpoints.Train, stats.TrainLoss)
	loop.State.BestTrainLoss = loop.Plateau.Best(checkpoints.Train)
	decision := stats.TrainDecision
	if decision.State == plateau.Improving {
		if err := loop.save(checkpoints.Train, stats.TrainLoss); err != nil {
			return nil, err
		}
	}

	if loop.validation != nil {
		valLoss, err := Evaluate(loop.Model, loop.validation, loop.Accumulator.AccumulationCount())
		if err != nil {
			var degenerate *DegenerateEpochError
			if errors.As(err, &degenerate) {
				degenerate.Epoch = loop.State.Epoch
			}
			return nil, err
		}
		stats.HasValidation = true
		stats.ValLoss = valLoss
		stats.ValDecision = loop.Plateau.Observe(checkpoints.Validation, valLoss)
		loop.State.BestValLoss = loop.Plateau.Best(checkpoints.Validation)
		decision = stats.ValDecision
		if decision.State == plateau.Improving {
			if err := loop.save(checkpoints.Validation, valLoss); err != nil {
				return nil, err
			}
		}
	}

	switch decision.State {
	case plateau.Decaying:
		if err := loop.decay(stats); err != nil {
			return nil, err
		}
	case plateau.Stopped:
		stats.Stopped = true
		stats.StopReason = "loss stopped improving"
	}
	loop.State.StallCount = loop.Plateau.StallCount()
	stats.Duration = time.Since(startTime)
	return stats, nil
}

// pollLiveLearningRate replaces the schedule's maximum learning rate if the live source has a new value.
func (loop *Loop) pollLiveLearningRate(stats *EpochStats) {
	if loop.liveLR == nil {
		return
	}
	lr, ok, err := loop.liveLR.Poll()
	if err != nil {
		klog.Warningf("failed to poll live learning rate, keeping %g: %+v", loop.Schedule.MaxLR, err)
		return
	}
	if !ok || lr == loop.Schedule.MaxLR {
		return
	}
	if lr <= 0 {
		klog.Warningf("ignoring invalid live learning rate %g", lr)
		return
	}
	change := LRChange{Reason: "live", FromMaxLR: loop.Schedule.MaxLR, ToMaxLR: lr}
	loop.Schedule.SetMaxLR(lr)
	stats.LRChanges = append(stats.LRChanges, change)
}

// save a checkpoint of the current model state for the criterion.
func (loop *Loop) save(criterion checkpoints.Criterion, loss float64) error {
	if loop.Checkpoints == nil {
		return nil
	}
	state, err := loop.Model.ExportState()
	if err != nil {
		return errors.WithMessagef(err, "failed to export model state for the %q checkpoint", criterion)
	}
	ckpt := &checkpoints.Checkpoint{
		Parameters:         state.Parameters,
		OptimizerState:     state.OptimizerState,
		Loss:               loss,
		Epoch:              loop.State.Epoch,
		GlobalStep:         loop.State.GlobalStep,
		SchedulePhaseStart: loop.Schedule.PhaseStart,
		BaseLR:             loop.Schedule.BaseLR,
		MaxLR:              loop.Schedule.MaxLR,
		BestTrainLoss:      loop.State.BestTrainLoss,
		BestValLoss:        loop.State.BestValLoss,
	}
	return loop.Checkpoints.Save(criterion, ckpt)
}

// decay rolls back to the best checkpoint of the monitored criterion and decays the learning rate.
// If the maximum learning rate drops below the minimum, the run stops.
func (loop *Loop) decay(stats *EpochStats) error {
	if loop.Checkpoints != nil {
		ckpt, err := loop.Checkpoints.Load(loop.Plateau.Monitored())
		var notFound *checkpoints.NotFoundError
		switch {
		case errors.As(err, &notFound):
			klog.Warningf("no checkpoint to roll back to, decaying learning rate only: %v", err)
		case err != nil:
			return errors.WithMessagef(err, "failed to load checkpoint for rollback")
		default:
			err = loop.Model.ImportState(State{Parameters: ckpt.Parameters, OptimizerState: ckpt.OptimizerState})
			if err != nil {
				return errors.WithMessagef(err, "failed to roll back to checkpoint %q", ckpt.BaseName)
			}
			stats.RolledBackTo = ckpt.BaseName
		}
	}
	change := LRChange{Reason: "decay", FromMaxLR: loop.Schedule.MaxLR}
	loop.Schedule.Decay(loop.Config.DecayFactor, loop.State.GlobalStep)
	change.ToMaxLR = loop.Schedule.MaxLR
	stats.LRChanges = append(stats.LRChanges, change)
	loop.setLearningRate()
	if loop.Schedule.MaxLR < loop.Config.MinLR {
		loop.Plateau.Stop()
		stats.Stopped = true
		stats.StopReason = "learning rate decayed below the minimum"
	}
	return nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if loop.TrainStepDurations.SamplesSeen() == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	return time.Duration(loop.TrainStepDurations.Value())
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) called after each
// committed step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) called at the end of
// each epoch, after validation and the plateau decisions.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
