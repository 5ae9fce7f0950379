// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/segtrain/pkg/ml/checkpoints"
)

// checkpointInfo is one file set found in the checkpoint directory.
type checkpointInfo struct {
	*checkpoints.Checkpoint
	Name  string
	Bytes int64
}

// loadCheckpoints returns all the checkpoints in dir, of any run name, sorted by name, criterion and loss.
func loadCheckpoints(dir string) ([]*checkpointInfo, error) {
	entries, err := os.ReadDir(filepath.Join(dir, checkpoints.WeightsDir))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	handlers := make(map[string]*checkpoints.Handler)
	var infos []*checkpointInfo
	for _, entry := range entries {
		baseName, isJSON := strings.CutSuffix(entry.Name(), checkpoints.JsonNameSuffix)
		if entry.IsDir() || !isJSON {
			continue
		}
		name, _, _, ok := checkpoints.ParseBaseName(baseName)
		if !ok {
			continue
		}
		handler, found := handlers[name]
		if !found {
			handler, err = checkpoints.Build(name).Dir(dir).Done()
			if err != nil {
				return nil, err
			}
			handlers[name] = handler
		}
		ckpt, err := handler.LoadFile(baseName)
		if err != nil {
			return nil, err
		}
		info := &checkpointInfo{Checkpoint: ckpt, Name: name}
		paramsPath, optimizerPath, jsonPath := handler.Paths(baseName)
		for _, filePath := range []string{paramsPath, optimizerPath, jsonPath} {
			if stat, err := os.Stat(filePath); err == nil {
				info.Bytes += stat.Size()
			}
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b *checkpointInfo) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		if c := strings.Compare(string(a.Criterion), string(b.Criterion)); c != 0 {
			return c
		}
		switch {
		case a.Loss < b.Loss:
			return -1
		case a.Loss > b.Loss:
			return 1
		}
		return 0
	})
	return infos, nil
}

func formatLoss(loss float64) string {
	if math.IsInf(loss, 0) || math.IsNaN(loss) {
		return "-"
	}
	return fmt.Sprintf("%.5f", loss)
}

// summary renders the table of checkpoints. The best (lowest loss) set of each name and criterion is
// highlighted: normally it is the only one, unless a run was interrupted during a save.
func summary(infos []*checkpointInfo) string {
	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Name", "Criterion", "Loss", "Epoch", "Global Step", "Max LR", "Best Train", "Best Val", "Size", "Saved")
	seen := make(map[string]bool)
	for _, info := range infos {
		key := info.Name + "/" + string(info.Criterion)
		best := !seen[key]
		seen[key] = true
		table.Row(best,
			info.Name, string(info.Criterion), formatLoss(info.Loss),
			humanize.Comma(int64(info.Epoch)), humanize.Comma(info.GlobalStep),
			fmt.Sprintf("%.3g", info.MaxLR),
			formatLoss(info.BestTrainLoss), formatLoss(info.BestValLoss),
			humanize.Bytes(uint64(info.Bytes)), humanize.Time(info.CreatedAt))
	}
	return table.Table.Render()
}
