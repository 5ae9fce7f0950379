// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects the loss curves of a training run as plot points, saved along the
// checkpoints, so they can be plotted or tabulated later (see cmd/segtrain_checkpoints).
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/segtrain/pkg/ml/train"
	"github.com/gomlx/segtrain/pkg/support/fsutil"
)

// TrainingPlotFileName is the default file name within a checkpoint directory to store
// plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Metric types, used to group metrics in the same plot.
const (
	MetricTypeLoss         = "loss"
	MetricTypeLearningRate = "learning rate"
)

// Names of the metrics collected by AttachPointsWriter.
const (
	MetricTrainLoss      = "Train: Loss"
	MetricValidationLoss = "Validation: Loss"
	MetricMaxLR          = "Max learning rate"
)

// Point represents a training plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Short name
	Short string

	// MetricType is either MetricTypeLoss or MetricTypeLearningRate.
	MetricType string

	// Step is the global step this metric was measured.
	// It is an int value, stored as a float64.
	Step float64

	// Epoch at the end of which the metric was measured.
	Epoch int

	// Value is the metric captured.
	Value float64
}

// EpochPoints converts the statistics of an epoch into plot points. Non-finite losses are skipped.
func EpochPoints(stats *train.EpochStats, globalStep int64, maxLR float64) []Point {
	step := float64(globalStep)
	points := make([]Point, 0, 3)
	add := func(name, short, metricType string, value float64) {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return
		}
		points = append(points, Point{
			MetricName: name,
			Short:      short,
			MetricType: metricType,
			Step:       step,
			Epoch:      stats.Epoch,
			Value:      value,
		})
	}
	add(MetricTrainLoss, "T/Loss", MetricTypeLoss, stats.TrainLoss)
	if stats.HasValidation {
		add(MetricValidationLoss, "V/Loss", MetricTypeLoss, stats.ValLoss)
	}
	add(MetricMaxLR, "MaxLR", MetricTypeLearningRate, maxLR)
	return points
}

// AttachPointsWriter registers hooks in the loop that append the EpochPoints of every epoch to
// TrainingPlotFileName in dir. The file is closed at the end of the loop, when any write
// error is reported.
func AttachPointsWriter(loop *train.Loop, dir string) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	pointWriter, errReport := CreatePointsWriter(path.Join(dir, TrainingPlotFileName))
	loop.OnEpochEnd("plots.AttachPointsWriter", 100, func(loop *train.Loop, stats *train.EpochStats) error {
		for _, point := range EpochPoints(stats, loop.State.GlobalStep, loop.Schedule.MaxLR) {
			pointWriter <- point
		}
		return nil
	})
	loop.OnEnd("plots.AttachPointsWriter", 100, func(*train.Loop, *train.EpochStats) error {
		close(pointWriter)
		return <-errReport
	})
	return nil
}

// LoadPointsFromCheckpoint loads all plot points saved during training in file [TrainingPlotFileName]
// in a checkpoint directory.
func LoadPointsFromCheckpoint(checkpointDir string) ([]Point, error) {
	checkpointDir, err := fsutil.ReplaceTildeInDir(checkpointDir)
	if err != nil {
		return nil, err
	}
	return LoadPoints(path.Join(checkpointDir, TrainingPlotFileName))
}

// LoadPoints parses all plot points saved in the given file, one JSON object per line.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter creates a channel to write Point to the given file, appending to it if it
// already exists (e.g. when resuming a run).
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	errChan := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open plots file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		enc := json.NewEncoder(f)
		for point := range pointChan {
			// Drain the channel even after an error, so writers never block.
			if err != nil {
				continue
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
		}
		errChan <- err
	}()
	return pointChan, errChan
}

// Points is a collection of Point objects organized by their Step value.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps with points, sorted.
func (points Points) Steps() []float64 {
	return slices.Sorted(maps.Keys(points))
}

// Map executes the given function on all individual points, in `Step` order.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range points.Steps() {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Filter only keeps those points for which `fn` returns true, removing the other ones.
func (points Points) Filter(fn func(p Point) bool) {
	for step, stepPoints := range points {
		kept := slices.DeleteFunc(slices.Clone(stepPoints), func(p Point) bool { return !fn(p) })
		if len(kept) == 0 {
			delete(points, step)
		} else {
			points[step] = kept
		}
	}
}

// Extract converts the [Points] structure back to a list of individual points, sorted by Step.
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// Series returns the (step, value) pairs of one metric, in step order.
func (points Points) Series(metricName string) (steps, values []float64) {
	points.Map(func(p *Point) {
		if p.MetricName == metricName {
			steps = append(steps, p.Step)
			values = append(values, p.Value)
		}
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		nameToType[p.MetricName] = p.MetricType
	})
	names := slices.Sorted(maps.Keys(nameToType))
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// TableForMetrics returns a table with the first columns being the `Epoch` and `Step`, followed
// by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{"Epoch", "Step"}, metrics...)...)
	for _, step := range points.Steps() {
		row := make([]string, 2+len(metrics))
		row[1] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			row[0] = fmt.Sprintf("%d", pt.Epoch)
			if idx := slices.Index(metrics, pt.MetricName); idx != -1 {
				row[idx+2] = fmt.Sprintf("%.5f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
