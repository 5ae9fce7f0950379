// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/segtrain/pkg/ml/train"
	"github.com/gomlx/segtrain/pkg/ml/train/metrics"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the minimum time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "segtrain.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBarUpdate is either a number of steps with the stats table rows to display, or the
// annotations at the end of an epoch.
type progressBarUpdate struct {
	amount      int
	rows        [][2]string
	annotations []string
}

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int64
	lastStepReported int64
	lastUpdate       time.Time
	bar              *progressbar.ProgressBar

	termenv      *termenv.Output
	statsStyle   lipgloss.Style
	statsTable   *lgtable.Table
	linesPrinted int
	updates      chan progressBarUpdate
	done         sync.WaitGroup

	movingLoss     *metrics.MovingAverage
	extraMetricFns []ExtraMetricFn
}

// Write implements io.Writer, and erases to the end of the screen after each write of the
// enclosed progressbar.ProgressBar, to clean up left-overs of longer previous lines.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = Output.Write(data)
	if err != nil {
		return n, err
	}
	_, err = Output.Write([]byte("\033[J"))
	return n, err
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.State.GlobalStep
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = max(1, loop.EndStep-loop.StartStep)
	}
	pBar.bar = progressbar.NewOptions64(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	pBar.lastUpdate = time.Now()
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.done.Add(1)
	go pBar.display()
	return nil
}

// sendSteps enqueues an update with the steps run since the last one, if any.
func (pBar *progressBar) sendSteps(loop *train.Loop, loss float64) {
	amount := loop.State.GlobalStep - pBar.lastStepReported
	if amount <= 0 {
		return
	}
	if pBar.bar.IsFinished() {
		// EndStep was underestimated.
		pBar.bar.ChangeMax64(pBar.numSteps + amount)
	}
	endStep := loop.EndStep
	rows := [][2]string{
		{"Global Step", fmt.Sprintf("%s of %s", humanize.Comma(loop.State.GlobalStep), humanize.Comma(endStep))},
		{"Epoch", fmt.Sprintf("%d of %d", loop.State.Epoch, loop.Config.MaxEpochs)},
		{"Loss", fmt.Sprintf("%.5f", loss)},
		{pBar.movingLoss.Name(), metrics.PrettyPrint(pBar.movingLoss)},
		{"Learning rate", fmt.Sprintf("%.3g (max %.3g)", loop.State.CurrentLR, loop.Schedule.MaxLR)},
		{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	pBar.updates <- progressBarUpdate{amount: int(amount), rows: rows}
	pBar.lastStepReported = loop.State.GlobalStep
	pBar.lastUpdate = time.Now()
}

func (pBar *progressBar) onStep(loop *train.Loop, loss float64) error {
	pBar.movingLoss.Update(loss)
	if time.Since(pBar.lastUpdate) < maxUpdateFrequency {
		return nil
	}
	pBar.sendSteps(loop, loss)
	return nil
}

func (pBar *progressBar) onEpochEnd(loop *train.Loop, stats *train.EpochStats) error {
	pBar.sendSteps(loop, stats.TrainLoss)
	pBar.updates <- progressBarUpdate{annotations: EpochAnnotations(stats, loop.Config.MaxEpochs)}
	return nil
}

// onEnd stops the display goroutine. It is also called if the loop fails.
func (pBar *progressBar) onEnd(_ *train.Loop, _ *train.EpochStats) error {
	if pBar.updates == nil {
		return nil
	}
	close(pBar.updates)
	pBar.done.Wait()
	pBar.updates = nil
	pBar.termenv.ShowCursor()
	return nil
}

// display runs in its own goroutine, drawing the updates: this is handy if the training is faster
// than the terminal, in particular if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) display() {
	defer pBar.done.Done()
	for update := range pBar.updates {
		// Clear the previous table and bar, they are redrawn below the annotations.
		pBar.termenv.HideCursor()
		if pBar.linesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.linesPrinted)
			_, _ = fmt.Fprint(Output, "\033[J")
			pBar.linesPrinted = 0
		}
		if len(update.annotations) > 0 {
			_, _ = fmt.Fprintln(Output, strings.Join(update.annotations, "\n"))
			pBar.termenv.ShowCursor()
			continue
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintln(Output, rendered)
		_ = pBar.bar.Add(update.amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(Output)
		pBar.linesPrinted = strings.Count(rendered, "\n") + 2
		pBar.termenv.ShowCursor()
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and a table with
// the current loss and learning rate. At the end of each epoch it prints the EpochAnnotations.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		movingLoss:     metrics.NewMovingAverage("Loss (moving average)", "~loss", 0.01),
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(Output),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEpochEnd(ProgressBarName, 0, pBar.onEpochEnd)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
