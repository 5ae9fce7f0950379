// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds streaming statistics of values observed during training: the mean of the loss
// since the last report, its exponential moving average, and an approximate median (used for the
// step durations).
//
// They are not safe for concurrent use.
package metrics

import (
	"fmt"
	"math"
)

// Interface of a streaming metric.
type Interface interface {
	// Name of the metric, used for display.
	Name() string

	// ShortName is used in tight spaces.
	ShortName() string

	// Update the metric with a new observed value.
	Update(x float64)

	// Value of the metric, or NaN if no value was observed.
	Value() float64

	// Reset the metric to its initial state.
	Reset()
}

type baseMetric struct {
	name, shortName string
}

// Name implements metrics.Interface.
func (m *baseMetric) Name() string { return m.name }

// ShortName implements metrics.Interface.
func (m *baseMetric) ShortName() string { return m.shortName }

// Mean of the values observed since the last Reset.
type Mean struct {
	baseMetric
	sum   float64
	count int
}

var _ Interface = (*Mean)(nil)

// NewMean creates a Mean metric.
func NewMean(name, shortName string) *Mean {
	return &Mean{baseMetric: baseMetric{name: name, shortName: shortName}}
}

// Update implements metrics.Interface.
func (m *Mean) Update(x float64) {
	m.sum += x
	m.count++
}

// Value implements metrics.Interface.
func (m *Mean) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.count)
}

// Count returns the number of values observed since the last Reset.
func (m *Mean) Count() int {
	return m.count
}

// Reset implements metrics.Interface.
func (m *Mean) Reset() {
	m.sum, m.count = 0, 0
}

// MovingAverage is an exponential moving average: each new value has weight newExampleWeight, and
// the previous average decays by (1-newExampleWeight).
//
// It doesn't have a prior: it starts as a normal average until there are enough terms, and it becomes
// an exponential moving average.
type MovingAverage struct {
	baseMetric
	newExampleWeight float64
	mean             float64
	count            int
}

var _ Interface = (*MovingAverage)(nil)

// NewMovingAverage creates a MovingAverage metric. A typical value of newExampleWeight is 0.01, the
// smaller the value, the slower the moving average moves.
func NewMovingAverage(name, shortName string, newExampleWeight float64) *MovingAverage {
	return &MovingAverage{
		baseMetric:       baseMetric{name: name, shortName: shortName},
		newExampleWeight: newExampleWeight,
	}
}

// Update implements metrics.Interface.
func (m *MovingAverage) Update(x float64) {
	m.count++
	weight := math.Max(m.newExampleWeight, 1/float64(m.count))
	m.mean = m.mean*(1-weight) + x*weight
}

// Value implements metrics.Interface.
func (m *MovingAverage) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.mean
}

// Reset implements metrics.Interface.
func (m *MovingAverage) Reset() {
	m.mean, m.count = 0, 0
}

// PrettyPrint formats the value of a metric for display, with "-" for metrics without values.
func PrettyPrint(m Interface) string {
	v := m.Value()
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.5f", v)
}
