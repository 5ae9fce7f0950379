// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements best-loss checkpoint management: for each criterion ("train" and
// "val") it keeps exactly one saved file set, the one with the lowest loss seen so far.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
//
// A file set is composed of three files, all sharing the same base name
// `<name>_<criterion>_<loss %.5f>`:
//
//   - `weights/<base>.bin`: the model parameters, as exported by the model.
//   - `optimizers/<base>.bin`: the optimizer state.
//   - `weights/<base>.json`: the metadata (epoch, global step, learning rate schedule, best losses),
//     enough to resume training with the same schedule phase.
//
// New files are written to temporary files and renamed in place, and only then the previous set of
// the same criterion is removed. A crash in the middle of a save leaves the previous set intact.
//
// Example:
//
//	checkpoint, err := checkpoints.Build("unet").Dir(*flagCheckpoint).Done()
//	if err != nil { … }
//	loop := train.NewLoop(config, model, checkpoint)
//	if *flagResume {
//		ckpt, err := checkpoint.Load(checkpoints.Train)
//		if err != nil { … }
//		err = loop.Resume(ckpt)
//	}
package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/segtrain/pkg/support/fsutil"
)

// Criterion for which a best checkpoint is kept.
type Criterion string

const (
	// Train criterion: loss averaged over the committed steps of an epoch.
	Train Criterion = "train"

	// Validation criterion: loss over the held-out dataset.
	Validation Criterion = "val"
)

const (
	// WeightsDir is the subdirectory holding model parameters and metadata.
	WeightsDir = "weights"

	// OptimizersDir is the subdirectory holding the optimizer state.
	OptimizersDir = "optimizers"

	// JsonNameSuffix for the metadata files.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the parameters and optimizer state files.
	BinDataSuffix = ".bin"

	// FilePermMode of the files created.
	FilePermMode = os.FileMode(0660)
)

// Checkpoint is one saved model state, with everything needed to resume training.
type Checkpoint struct {
	// Parameters and OptimizerState are opaque blobs exported by the model.
	Parameters, OptimizerState []byte

	Criterion Criterion
	Loss      float64

	// Tag is Loss formatted with "%.5f": it is part of the file names.
	Tag string

	Epoch              int
	GlobalStep         int64
	SchedulePhaseStart int64
	BaseLR, MaxLR      float64

	// BestTrainLoss and BestValLoss at the time of saving: +Inf if not yet measured.
	BestTrainLoss, BestValLoss float64

	// RunID identifies the training run (the Handler) that saved the checkpoint.
	RunID     string
	CreatedAt time.Time

	// BaseName of the file set, filled when the checkpoint is saved or loaded.
	BaseName string
}

// serializedCheckpoint is the JSON metadata: infinite losses are stored as null.
type serializedCheckpoint struct {
	Criterion          Criterion
	Loss               float64
	Tag                string
	Epoch              int
	GlobalStep         int64
	SchedulePhaseStart int64
	BaseLR, MaxLR      float64
	BestTrainLoss      *float64 `json:",omitempty"`
	BestValLoss        *float64 `json:",omitempty"`
	RunID              string
	CreatedAt          time.Time
	BinFormat          string
	ParametersLength   int
	OptimizerLength    int
}

func finiteOrNil(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

func valueOrInf(v *float64) float64 {
	if v == nil {
		return math.Inf(1)
	}
	return *v
}

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler.
type Config struct {
	name string
	err  error
	dir  string

	binFormat BinFormat
}

// Build a configuration for building a checkpoints.Handler for a model with the given name.
// The name is the prefix of all files saved.
//
// After configuring the Config object returned, call `Done` to get the configured checkpoints.Handler.
func Build(name string) *Config {
	c := &Config{name: name}
	if name == "" || strings.ContainsAny(name, "/\\") {
		c.setError(errors.Errorf("invalid checkpoint name %q: it must be non-empty and have no path separators", name))
	}
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
//
// One must be set either Dir, DirFromBase, or TempDir before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	for _, subDir := range []string{WeightsDir, OptimizersDir} {
		if err := fsutil.EnsureDir(filepath.Join(dir, subDir)); err != nil {
			c.setError(errors.WithMessagef(err, "checkpoints directory %q", dir))
			return c
		}
	}
	return c
}

// DirFromBase sets the directory where to save / load the checkpoints.
// If `dir` is not an absolute path, assumes it is a subdirectory of baseDir.
//
// One must be set either Dir, DirFromBase, or TempDir before building the checkpoints.Handler.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	dir = fsutil.MustReplaceTildeInDir(dir)
	if !path.IsAbs(dir) {
		baseDir = fsutil.MustReplaceTildeInDir(baseDir)
		dir = path.Join(baseDir, dir)
	}
	return c.Dir(dir)
}

// TempDir creates a temporary directory under dir, with the pattern name, and uses this
// directory to load / save checkpoints. It's a convenience wrapper to os.MkdirTemp.
//
// Any errors are reported on the return to the call to the method Done.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	return c.Dir(newDir)
}

// WithCompression defines the compression format of the binary files. The default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	if bf != BinGZIP && bf != BinUncompressed {
		c.setError(errors.Wrapf(ErrUnsupportedCompression, "format %d", bf))
	}
	c.binFormat = bf
	return c
}

// Done constructs the checkpoints.Handler. It discovers file sets saved previously in the directory,
// so that their replacement continues across process restarts.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	h := &Handler{
		config: c,
		runID:  uuid.NewString(),
	}
	baseNames, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(baseNames) > 0 {
		klog.V(1).Infof("%s: found %d previous checkpoints: %q", h, len(baseNames), baseNames)
	}
	return h, nil
}

// Handler saves and loads the best checkpoints of a training run.
//
// It is not safe for concurrent use: it is meant to be driven by the training loop.
type Handler struct {
	config *Config
	runID  string
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory where checkpoints are saved.
func (h *Handler) Dir() string {
	return h.config.dir
}

// Name returns the model name used as prefix of the checkpoint files.
func (h *Handler) Name() string {
	return h.config.name
}

// RunID returns the unique identifier stamped in every checkpoint saved by this Handler.
func (h *Handler) RunID() string {
	return h.runID
}

// FormatTag returns the loss formatted as used in file names.
func FormatTag(loss float64) string {
	return fmt.Sprintf("%.5f", loss)
}

// BaseName returns the base name of the file set for the criterion and loss.
func (h *Handler) BaseName(criterion Criterion, loss float64) string {
	return fmt.Sprintf("%s_%s_%s", h.config.name, criterion, FormatTag(loss))
}

// Paths returns the paths of the parameters, optimizer state and metadata files of a file set.
func (h *Handler) Paths(baseName string) (paramsPath, optimizerPath, jsonPath string) {
	paramsPath = filepath.Join(h.config.dir, WeightsDir, baseName+BinDataSuffix)
	optimizerPath = filepath.Join(h.config.dir, OptimizersDir, baseName+BinDataSuffix)
	jsonPath = filepath.Join(h.config.dir, WeightsDir, baseName+JsonNameSuffix)
	return
}

// ParseBaseName splits a base name created by Handler.BaseName into its parts.
func ParseBaseName(baseName string) (name string, criterion Criterion, loss float64, ok bool) {
	matches := baseNameRegex.FindStringSubmatch(baseName)
	if matches == nil {
		return
	}
	loss, err := strconv.ParseFloat(matches[3], 64)
	if err != nil {
		return
	}
	return matches[1], Criterion(matches[2]), loss, true
}

var baseNameRegex = regexp.MustCompile(`^(.+)_(train|val)_(-?\d+\.\d{5}|[+-]?Inf|NaN)$`)

// ListCheckpoints returns the base names of the complete file sets of this Handler's name, sorted.
//
// A file set is complete once its metadata file exists: it is the last file written.
func (h *Handler) ListCheckpoints() (baseNames []string, err error) {
	weightsDir := filepath.Join(h.config.dir, WeightsDir)
	entries, err := os.ReadDir(weightsDir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), JsonNameSuffix) {
			continue
		}
		baseName := strings.TrimSuffix(entry.Name(), JsonNameSuffix)
		name, _, _, ok := ParseBaseName(baseName)
		if !ok || name != h.config.name {
			continue
		}
		baseNames = append(baseNames, baseName)
	}
	slices.Sort(baseNames)
	return baseNames, nil
}

// listCriterion returns the base names of the file sets of the criterion, lowest loss first.
func (h *Handler) listCriterion(criterion Criterion) ([]string, error) {
	all, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	type entry struct {
		baseName string
		loss     float64
	}
	var entries []entry
	for _, baseName := range all {
		_, c, loss, _ := ParseBaseName(baseName)
		if c == criterion {
			entries = append(entries, entry{baseName, loss})
		}
	}
	slices.SortStableFunc(entries, func(a, b entry) int {
		switch {
		case a.loss < b.loss:
			return -1
		case a.loss > b.loss:
			return 1
		}
		return 0
	})
	baseNames := make([]string, len(entries))
	for ii, e := range entries {
		baseNames[ii] = e.baseName
	}
	return baseNames, nil
}

// Save writes the checkpoint as the new best file set for the criterion, and then removes the
// previous file set(s) of the criterion.
//
// The fields Criterion, Tag, RunID, CreatedAt and BaseName of ckpt are filled by Save.
//
// Write failures are returned as *StorageError and leave the previous file set untouched.
func (h *Handler) Save(criterion Criterion, ckpt *Checkpoint) error {
	if criterion != Train && criterion != Validation {
		return errors.Errorf("%s: invalid checkpoint criterion %q", h, criterion)
	}
	previous, err := h.listCriterion(criterion)
	if err != nil {
		return &StorageError{Op: "read", Path: h.config.dir, Err: err}
	}

	ckpt.Criterion = criterion
	ckpt.Tag = FormatTag(ckpt.Loss)
	ckpt.RunID = h.runID
	ckpt.CreatedAt = time.Now()
	ckpt.BaseName = h.BaseName(criterion, ckpt.Loss)
	paramsPath, optimizerPath, jsonPath := h.Paths(ckpt.BaseName)
	if err = h.writeFileSet(ckpt, paramsPath, optimizerPath, jsonPath); err != nil {
		if !slices.Contains(previous, ckpt.BaseName) {
			// Remove the files of the incomplete new set; the previous set is left untouched.
			for _, filePath := range []string{paramsPath, optimizerPath, jsonPath} {
				if removeErr := os.Remove(filePath); removeErr != nil && !os.IsNotExist(removeErr) {
					klog.Warningf("%s: failed to remove incomplete checkpoint file %q: %v", h, filePath, removeErr)
				}
			}
		}
		return err
	}
	klog.V(1).Infof("%s: saved %q checkpoint %q (epoch %d, step %d)",
		h, criterion, ckpt.BaseName, ckpt.Epoch, ckpt.GlobalStep)

	// Delete after write.
	for _, baseName := range previous {
		if baseName == ckpt.BaseName {
			// Same loss tag: files were replaced in place.
			continue
		}
		if err := h.removeFileSet(baseName); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) writeFileSet(ckpt *Checkpoint, paramsPath, optimizerPath, jsonPath string) error {
	metadata := serializedCheckpoint{
		Criterion:          ckpt.Criterion,
		Loss:               ckpt.Loss,
		Tag:                ckpt.Tag,
		Epoch:              ckpt.Epoch,
		GlobalStep:         ckpt.GlobalStep,
		SchedulePhaseStart: ckpt.SchedulePhaseStart,
		BaseLR:             ckpt.BaseLR,
		MaxLR:              ckpt.MaxLR,
		BestTrainLoss:      finiteOrNil(ckpt.BestTrainLoss),
		BestValLoss:        finiteOrNil(ckpt.BestValLoss),
		RunID:              ckpt.RunID,
		CreatedAt:          ckpt.CreatedAt,
		BinFormat:          h.config.binFormat.String(),
		ParametersLength:   len(ckpt.Parameters),
		OptimizerLength:    len(ckpt.OptimizerState),
	}
	jsonContents, err := json.MarshalIndent(&metadata, "", "\t")
	if err != nil {
		return &StorageError{Op: "write", Path: jsonPath, Err: err}
	}

	// Metadata is written last: a file set without it is incomplete and never listed.
	writes := []struct {
		filePath string
		blob     []byte
		encode   bool
	}{
		{paramsPath, ckpt.Parameters, true},
		{optimizerPath, ckpt.OptimizerState, true},
		{jsonPath, jsonContents, false},
	}
	for _, w := range writes {
		contents := w.blob
		if w.encode {
			contents, err = encodeBlob(w.blob, h.config.binFormat)
			if err != nil {
				return &StorageError{Op: "write", Path: w.filePath, Err: err}
			}
		}
		if err = fsutil.WriteFileAtomic(w.filePath, contents, FilePermMode); err != nil {
			return &StorageError{Op: "write", Path: w.filePath, Err: err}
		}
	}
	return nil
}

func (h *Handler) removeFileSet(baseName string) error {
	paramsPath, optimizerPath, jsonPath := h.Paths(baseName)
	// Metadata first, so a partially removed set is no longer listed.
	for _, filePath := range []string{jsonPath, paramsPath, optimizerPath} {
		err := os.Remove(filePath)
		if err != nil && !os.IsNotExist(err) {
			return &StorageError{Op: "remove", Path: filePath, Err: err}
		}
	}
	klog.V(1).Infof("%s: removed checkpoint %q", h, baseName)
	return nil
}

// Load returns the best checkpoint saved for the criterion, or *NotFoundError if there is none.
func (h *Handler) Load(criterion Criterion) (*Checkpoint, error) {
	baseNames, err := h.listCriterion(criterion)
	if err != nil {
		return nil, &StorageError{Op: "read", Path: h.config.dir, Err: err}
	}
	if len(baseNames) == 0 {
		return nil, &NotFoundError{Dir: h.config.dir, Criterion: criterion}
	}
	return h.LoadFile(baseNames[0])
}

// LoadFile loads the file set with the given base name. For convenience, the name of any of the
// files of the set is also accepted, with or without directory.
//
// It returns *NotFoundError if the file set doesn't exist.
func (h *Handler) LoadFile(baseName string) (*Checkpoint, error) {
	baseName = filepath.Base(baseName)
	baseName = strings.TrimSuffix(strings.TrimSuffix(baseName, BinDataSuffix), JsonNameSuffix)
	paramsPath, optimizerPath, jsonPath := h.Paths(baseName)
	jsonContents, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Dir: h.config.dir, BaseName: baseName}
		}
		return nil, &StorageError{Op: "read", Path: jsonPath, Err: err}
	}
	var metadata serializedCheckpoint
	if err = json.Unmarshal(jsonContents, &metadata); err != nil {
		return nil, &StorageError{Op: "read", Path: jsonPath, Err: errors.Wrap(err, "invalid metadata")}
	}
	ckpt := &Checkpoint{
		Criterion:          metadata.Criterion,
		Loss:               metadata.Loss,
		Tag:                metadata.Tag,
		Epoch:              metadata.Epoch,
		GlobalStep:         metadata.GlobalStep,
		SchedulePhaseStart: metadata.SchedulePhaseStart,
		BaseLR:             metadata.BaseLR,
		MaxLR:              metadata.MaxLR,
		BestTrainLoss:      valueOrInf(metadata.BestTrainLoss),
		BestValLoss:        valueOrInf(metadata.BestValLoss),
		RunID:              metadata.RunID,
		CreatedAt:          metadata.CreatedAt,
		BaseName:           baseName,
	}
	for _, blob := range []struct {
		filePath string
		target   *[]byte
		length   int
	}{
		{paramsPath, &ckpt.Parameters, metadata.ParametersLength},
		{optimizerPath, &ckpt.OptimizerState, metadata.OptimizerLength},
	} {
		contents, err := os.ReadFile(blob.filePath)
		if err != nil {
			return nil, &StorageError{Op: "read", Path: blob.filePath, Err: err}
		}
		*blob.target, err = decodeBlob(contents)
		if err != nil {
			return nil, &StorageError{Op: "read", Path: blob.filePath, Err: err}
		}
		if len(*blob.target) != blob.length {
			return nil, &StorageError{Op: "read", Path: blob.filePath,
				Err: errors.Errorf("corrupted file: %d bytes, metadata says %d", len(*blob.target), blob.length)}
		}
	}
	klog.V(1).Infof("%s: loaded checkpoint %q (epoch %d, step %d)", h, baseName, ckpt.Epoch, ckpt.GlobalStep)
	return ckpt, nil
}
