// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: a progress bar,
// the per-epoch annotations, periodic loss statistics and the parsing of hyperparameter settings.
package commandline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gomlx/segtrain/pkg/ml/train"
	"github.com/gomlx/segtrain/pkg/ml/train/plateau"
)

// Output where the UI tools print to. It defaults to os.Stdout.
var Output io.Writer = os.Stdout

// EpochAnnotations returns the lines describing the end of an epoch: its header, the loss
// of each criterion, changes of learning rate and early stopping.
func EpochAnnotations(stats *train.EpochStats, maxEpochs int) []string {
	lines := []string{fmt.Sprintf("[+] Epoch (%d/%d) - %s - %s steps",
		stats.Epoch, maxEpochs, FormatDuration(stats.Duration), humanize.Comma(int64(stats.Steps)))}
	lines = append(lines, decisionAnnotation("training", stats.TrainDecision))
	if stats.HasValidation {
		lines = append(lines, decisionAnnotation("validation", stats.ValDecision))
	}
	if stats.RolledBackTo != "" {
		lines = append(lines, fmt.Sprintf("[!] Rolled back to checkpoint %q", stats.RolledBackTo))
	}
	for _, change := range stats.LRChanges {
		lines = append(lines, fmt.Sprintf("[!] New learning rate (%s): max %g -> %g", change.Reason, change.FromMaxLR, change.ToMaxLR))
	}
	if stats.Stopped {
		lines = append(lines, fmt.Sprintf("[!] Early stop: %s", stats.StopReason))
	}
	return lines
}

func decisionAnnotation(criterion string, decision plateau.Decision) string {
	if decision.State == plateau.Improving {
		return fmt.Sprintf("[+] %s -- new better loss: %.5f (previous best %.5f)", criterion, decision.Loss, decision.PreviousBest)
	}
	return fmt.Sprintf("[-] %s -- loss: %.5f (best %.5f, %s)", criterion, decision.Loss, decision.PreviousBest, decision.State)
}

// AttachAnnotations prints the EpochAnnotations at the end of every epoch. Use it when not using
// AttachProgressBar, which prints them itself.
func AttachAnnotations(loop *train.Loop) {
	loop.OnEpochEnd("commandline.AttachAnnotations", 0, func(loop *train.Loop, stats *train.EpochStats) error {
		for _, line := range EpochAnnotations(stats, loop.Config.MaxEpochs) {
			if _, err := fmt.Fprintln(Output, line); err != nil {
				return err
			}
		}
		return nil
	})
}

type stats struct {
	lossSum   float64
	count     int
	lastPrint time.Time
}

// AttachStats prints the mean loss of the committed steps every n steps, along with the time it took:
//
//	[epoch 3, step 1,230] loss: 0.12345 time: 12.34s
func AttachStats(loop *train.Loop, n int) {
	s := &stats{}
	loop.OnStart("commandline.AttachStats", 0, func(*train.Loop, train.Dataset) error {
		s.lastPrint = time.Now()
		return nil
	})
	loop.OnStep("commandline.AttachStats", 0, func(_ *train.Loop, loss float64) error {
		s.lossSum += loss
		s.count++
		return nil
	})
	train.EveryNSteps(loop, n, "commandline.AttachStats", 1, func(loop *train.Loop, _ float64) error {
		_, err := fmt.Fprintf(Output, "[epoch %d, step %s] loss: %.5f time: %s\n",
			loop.State.Epoch, humanize.Comma(loop.State.GlobalStep), s.lossSum/float64(s.count),
			FormatDuration(time.Since(s.lastPrint)))
		s.lossSum, s.count = 0, 0
		s.lastPrint = time.Now()
		return err
	})
}
