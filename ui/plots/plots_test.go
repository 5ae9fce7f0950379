// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/segtrain/pkg/ml/train"
)

func TestPointsWriter(t *testing.T) {
	dir := t.TempDir()
	filePath := path.Join(dir, TrainingPlotFileName)
	stats := []*train.EpochStats{
		{Epoch: 1, TrainLoss: 0.7, HasValidation: true, ValLoss: 0.8},
		{Epoch: 2, TrainLoss: 0.5, HasValidation: true, ValLoss: math.Inf(1)},
	}
	for ii, epochStats := range stats {
		// Each epoch appends to the same file, as with a resumed run.
		writer, errReport := CreatePointsWriter(filePath)
		for _, point := range EpochPoints(epochStats, int64(10*(ii+1)), 0.01) {
			writer <- point
		}
		close(writer)
		require.NoError(t, <-errReport)
	}

	rawPoints, err := LoadPointsFromCheckpoint(dir)
	require.NoError(t, err)
	// Infinite validation loss of the second epoch is skipped.
	require.Len(t, rawPoints, 5)
	points := NewPoints(rawPoints)
	assert.Equal(t, []float64{10, 20}, points.Steps())
	assert.Equal(t, []string{MetricMaxLR, MetricTrainLoss, MetricValidationLoss}, points.MetricsNames())

	steps, values := points.Series(MetricTrainLoss)
	assert.Equal(t, []float64{10, 20}, steps)
	assert.Equal(t, []float64{0.7, 0.5}, values)
	assert.Equal(t, 2, points[20][0].Epoch)

	table := points.TableForMetrics(MetricTrainLoss)
	assert.Contains(t, table, "0.70000")
	assert.Contains(t, table, "Epoch")
	assert.NotContains(t, table, "0.80000")

	points.Filter(func(p Point) bool { return p.MetricType == MetricTypeLoss })
	assert.Len(t, points.Extract(), 3)
	points.Filter(func(p Point) bool { return p.Epoch == 2 })
	assert.Equal(t, []float64{20}, points.Steps())

	_, err = LoadPoints(path.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestPointsWriterError(t *testing.T) {
	writer, errReport := CreatePointsWriter(path.Join(t.TempDir(), "missing", TrainingPlotFileName))
	writer <- Point{MetricName: "x"}
	close(writer)
	require.Error(t, <-errReport)
}
