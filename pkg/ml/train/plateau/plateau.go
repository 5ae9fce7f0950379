// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plateau implements the detection of loss plateaus during training, deciding when to
// decay the learning rate (rolling back to the best checkpoint) and when to stop the run.
//
// The Detector is fed once per epoch with the training loss and, if validation is configured,
// once per validation pass. Only the monitored criterion (validation if configured, otherwise
// training) counts stalled epochs.
package plateau

import (
	"fmt"
	"math"

	"github.com/gomlx/segtrain/pkg/ml/checkpoints"
	"github.com/pkg/errors"
)

// State of the Detector after observing a loss.
type State int

const (
	// Improving means the loss strictly improved the best seen for its criterion:
	// the caller should save a checkpoint.
	Improving State = iota

	// Stalled means no improvement, but no action is needed yet.
	Stalled

	// Decaying means the monitored loss stalled for more than the stall limit since the last
	// improvement or decay: the caller should roll back to the best checkpoint and decay
	// the learning rate.
	Decaying

	// Stopped is terminal: the monitored loss stalled for more than the stop limit.
	Stopped
)

func (s State) String() string {
	switch s {
	case Improving:
		return "Improving"
	case Stalled:
		return "Stalled"
	case Decaying:
		return "Decaying"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Decision returned by Detector.Observe.
type Decision struct {
	State State

	// Previous best loss of the criterion (+Inf if none), and the loss observed.
	PreviousBest, Loss float64
}

// Detector tracks the best losses per criterion and the number of epochs without improvement.
type Detector struct {
	stallLimit, stopLimit int
	monitored             checkpoints.Criterion

	best       map[checkpoints.Criterion]float64
	stallCount int
	decays     int
	stopped    bool
}

// New creates a Detector.
//
// The monitored criterion should be checkpoints.Validation when a validation dataset is
// configured, and checkpoints.Train otherwise. It returns an error if the limits are invalid:
// they must be >= 0 and stopLimit >= stallLimit.
func New(stallLimit, stopLimit int, monitored checkpoints.Criterion) (*Detector, error) {
	if stallLimit < 0 || stopLimit < stallLimit {
		return nil, errors.Errorf("invalid plateau limits: stall_limit=%d, stop_limit=%d (wanted 0 <= stall_limit <= stop_limit)",
			stallLimit, stopLimit)
	}
	return &Detector{
		stallLimit: stallLimit,
		stopLimit:  stopLimit,
		monitored:  monitored,
		best: map[checkpoints.Criterion]float64{
			checkpoints.Train:      math.Inf(1),
			checkpoints.Validation: math.Inf(1),
		},
	}, nil
}

// Observe a new loss for the criterion.
//
// Once Stopped is returned, all following observations return Stopped.
func (d *Detector) Observe(criterion checkpoints.Criterion, loss float64) Decision {
	previous, found := d.best[criterion]
	if !found {
		previous = math.Inf(1)
	}
	decision := Decision{PreviousBest: previous, Loss: loss}
	if d.stopped {
		decision.State = Stopped
		return decision
	}
	improved := loss < previous
	if improved {
		d.best[criterion] = loss
	}
	if criterion != d.monitored {
		if improved {
			decision.State = Improving
		} else {
			decision.State = Stalled
		}
		return decision
	}

	if improved {
		d.stallCount = 0
		decision.State = Improving
		return decision
	}
	d.stallCount++
	switch {
	case d.stallCount > d.stopLimit:
		d.stopped = true
		decision.State = Stopped
	case d.stallCount > d.stallLimit:
		d.decays++
		decision.State = Decaying
	default:
		decision.State = Stalled
	}
	return decision
}

// Stop forces the Detector into the Stopped state, used when the learning rate decays below its minimum.
func (d *Detector) Stop() {
	d.stopped = true
}

// Stopped returns whether the detector reached the Stopped state.
func (d *Detector) Stopped() bool {
	return d.stopped
}

// StallCount returns the number of observations of the monitored criterion since its last improvement.
func (d *Detector) StallCount() int {
	return d.stallCount
}

// Decays returns the number of times Decaying was returned.
func (d *Detector) Decays() int {
	return d.decays
}

// Best returns the best loss seen for the criterion, +Inf if none.
func (d *Detector) Best(criterion checkpoints.Criterion) float64 {
	if best, found := d.best[criterion]; found {
		return best
	}
	return math.Inf(1)
}

// SetBest restores the best loss of a criterion, used when resuming from a checkpoint.
func (d *Detector) SetBest(criterion checkpoints.Criterion, loss float64) {
	d.best[criterion] = loss
}

// Monitored returns the criterion that drives the stall counting.
func (d *Detector) Monitored() checkpoints.Criterion {
	return d.monitored
}
