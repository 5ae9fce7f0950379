// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// segtrain_checkpoints lists the best checkpoints saved by segtrain and the loss curves collected
// during training.
//
// Usage:
//
//	segtrain_checkpoints [-metrics] [-plot=curves.png] <checkpoint directory>
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/segtrain/pkg/support/fsutil"
	"github.com/gomlx/segtrain/ui/plots"
)

var (
	flagSummary = flag.Bool("summary", true, "Lists the checkpoints: best losses, epoch, global step and learning rate.")
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separated list of metric names to include in the metrics report.")
	flagPlot         = flag.String("plot", "",
		"Plots the metrics collected to the given image file (e.g. \"curves.png\"), one file per metric type, "+
			"with the metric type appended to the file name.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory to read from, got %d arguments. See 'segtrain_checkpoints -help'.", len(args))
		os.Exit(1)
	}
	checkpointDir := must.M1(fsutil.ReplaceTildeInDir(args[0]))
	if !must.M1(fsutil.FileExists(checkpointDir)) {
		klog.Errorf("Checkpoint directory %q doesn't exist.", checkpointDir)
		os.Exit(1)
	}

	if *flagSummary {
		infos := must.M1(loadCheckpoints(checkpointDir))
		fmt.Println(titleStyle.Render("Checkpoints"))
		if len(infos) == 0 {
			fmt.Println("No checkpoints found.")
		} else {
			fmt.Println(summary(infos))
		}
	}
	if *flagMetrics || *flagPlot != "" {
		points := plots.NewPoints(must.M1(plots.LoadPointsFromCheckpoint(checkpointDir)))
		if len(points) == 0 {
			klog.Errorf("No metrics found in %q", checkpointDir)
			os.Exit(1)
		}
		if *flagMetrics {
			fmt.Println(titleStyle.Render("Metrics"))
			var names []string
			if *flagMetricsNames != "" {
				names = strings.Split(*flagMetricsNames, ",")
			}
			fmt.Println(points.TableForMetrics(names...))
		}
		if *flagPlot != "" {
			for _, fileName := range must.M1(writePlots(points, *flagPlot)) {
				fmt.Printf("Plot written to:\t%s\n", fileName)
			}
		}
	}
}
