// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/gomlx/segtrain/ui/plots"
)

// plotFileName returns the file name for the plot of metricType: the metric type is appended
// to the base name, e.g. "curves.png" becomes "curves_learning_rate.png".
func plotFileName(filePath, metricType string) string {
	ext := filepath.Ext(filePath)
	if ext == "" {
		ext = ".png"
	}
	base := strings.TrimSuffix(filePath, filepath.Ext(filePath))
	return base + "_" + strings.ReplaceAll(metricType, " ", "_") + ext
}

// writePlots saves one plot per metric type, with one line per metric, and returns the files written.
// The image format is given by the extension of filePath (png, svg, pdf, ...).
func writePlots(points plots.Points, filePath string) ([]string, error) {
	byType := make(map[string][]string)
	var metricTypes []string
	names := points.MetricsNames()
	for _, name := range names {
		var metricType string
		points.Map(func(p *plots.Point) {
			if p.MetricName == name {
				metricType = p.MetricType
			}
		})
		if _, found := byType[metricType]; !found {
			metricTypes = append(metricTypes, metricType)
		}
		byType[metricType] = append(byType[metricType], name)
	}

	var files []string
	for _, metricType := range metricTypes {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "Global Step"
		p.Y.Label.Text = metricType
		p.Add(plotter.NewGrid())
		for ii, name := range byType[metricType] {
			steps, values := points.Series(name)
			xys := make(plotter.XYs, len(steps))
			for jj := range steps {
				xys[jj].X = steps[jj]
				xys[jj].Y = values[jj]
			}
			line, err := plotter.NewLine(xys)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to plot metric %q", name)
			}
			line.Color = plotutil.Color(ii)
			line.Dashes = plotutil.Dashes(ii)
			p.Add(line)
			p.Legend.Add(name, line)
		}
		p.Legend.Top = true
		fileName := plotFileName(filePath, metricType)
		if err := p.Save(8*vg.Inch, 4*vg.Inch, fileName); err != nil {
			return nil, errors.Wrapf(err, "failed to save plot to %q", fileName)
		}
		files = append(files, fileName)
	}
	return files, nil
}
