// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/segtrain/pkg/support/fsutil"
)

func newCheckpoint(loss float64, epoch int) *Checkpoint {
	return &Checkpoint{
		Parameters:     []byte("weights of epoch " + string(rune('0'+epoch))),
		OptimizerState: []byte{1, 2, 3, byte(epoch)},
		Loss:           loss,
		Epoch:          epoch,
		GlobalStep:     int64(epoch) * 10,
		BaseLR:         0.00025,
		MaxLR:          0.01,
		BestTrainLoss:  loss,
		BestValLoss:    math.Inf(1),
	}
}

func countFiles(t *testing.T, dir string) int {
	var count int
	for _, subDir := range []string{WeightsDir, OptimizersDir} {
		entries, err := os.ReadDir(filepath.Join(dir, subDir))
		require.NoError(t, err)
		count += len(entries)
	}
	return count
}

func TestSaveKeepsOnlyBest(t *testing.T) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(bf.String(), func(t *testing.T) {
			h, err := Build("unet").TempDir("", "test_checkpoints_").WithCompression(bf).Done()
			require.NoError(t, err)
			defer func() { _ = os.RemoveAll(h.Dir()) }()

			losses := []float64{0.9, 0.7, 0.5, 0.45, 0.3}
			for ii, loss := range losses {
				require.NoError(t, h.Save(Train, newCheckpoint(loss, ii+1)))
			}
			list, err := h.ListCheckpoints()
			require.NoError(t, err)
			assert.Equal(t, []string{"unet_train_0.30000"}, list)
			assert.Equal(t, 3, countFiles(t, h.Dir()))

			// A validation checkpoint lives side by side with the train one.
			require.NoError(t, h.Save(Validation, newCheckpoint(0.4, 5)))
			list, err = h.ListCheckpoints()
			require.NoError(t, err)
			assert.Equal(t, []string{"unet_train_0.30000", "unet_val_0.40000"}, list)
			assert.Equal(t, 6, countFiles(t, h.Dir()))

			ckpt, err := h.Load(Train)
			require.NoError(t, err)
			assert.Equal(t, "0.30000", ckpt.Tag)
			assert.Equal(t, 5, ckpt.Epoch)
			assert.Equal(t, int64(50), ckpt.GlobalStep)
			assert.Equal(t, []byte("weights of epoch 5"), ckpt.Parameters)
			assert.Equal(t, []byte{1, 2, 3, 5}, ckpt.OptimizerState)
			assert.Equal(t, 0.3, ckpt.BestTrainLoss)
			assert.True(t, math.IsInf(ckpt.BestValLoss, 1))
			assert.Equal(t, h.RunID(), ckpt.RunID)
			assert.Equal(t, Train, ckpt.Criterion)
		})
	}
}

func TestSameTagReplacesInPlace(t *testing.T) {
	h, err := Build("unet").TempDir("", "test_checkpoints_").Done()
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(h.Dir()) }()
	require.NoError(t, h.Save(Train, newCheckpoint(0.500001, 1)))
	require.NoError(t, h.Save(Train, newCheckpoint(0.500000, 2)))
	ckpt, err := h.Load(Train)
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Epoch)
	assert.Equal(t, 3, countFiles(t, h.Dir()))
}

func TestSaveFailureKeepsPrevious(t *testing.T) {
	h, err := Build("unet").TempDir("", "test_checkpoints_").Done()
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(h.Dir()) }()
	require.NoError(t, h.Save(Train, newCheckpoint(0.5, 1)))

	// Block the temporary file of the next parameters file with a directory.
	paramsPath, _, _ := h.Paths(h.BaseName(Train, 0.25))
	require.NoError(t, os.Mkdir(paramsPath+fsutil.TempSuffix, 0755))
	err = h.Save(Train, newCheckpoint(0.25, 2))
	require.Error(t, err)
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "write", storageErr.Op)

	ckpt, err := h.Load(Train)
	require.NoError(t, err)
	assert.Equal(t, "0.50000", ckpt.Tag)
	assert.Equal(t, 1, ckpt.Epoch)
}

func TestSaveFailureRemovesIncompleteSet(t *testing.T) {
	h, err := Build("unet").TempDir("", "test_checkpoints_").Done()
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(h.Dir()) }()
	require.NoError(t, h.Save(Train, newCheckpoint(0.5, 1)))
	require.Equal(t, 3, countFiles(t, h.Dir()))

	// The parameters file of the new set is written, the optimizer state fails.
	newParamsPath, optimizerPath, _ := h.Paths(h.BaseName(Train, 0.25))
	blocker := optimizerPath + fsutil.TempSuffix
	require.NoError(t, os.Mkdir(blocker, 0755))
	err = h.Save(Train, newCheckpoint(0.25, 2))
	require.Error(t, err)
	require.NoError(t, os.Remove(blocker))

	assert.False(t, fsutil.MustFileExists(newParamsPath))
	assert.Equal(t, 3, countFiles(t, h.Dir()))
	ckpt, err := h.Load(Train)
	require.NoError(t, err)
	assert.Equal(t, "0.50000", ckpt.Tag)
}

func TestNotFound(t *testing.T) {
	h, err := Build("unet").TempDir("", "test_checkpoints_").Done()
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(h.Dir()) }()

	_, err = h.Load(Validation)
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, Validation, notFound.Criterion)

	_, err = h.LoadFile("unet_train_0.12345")
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "unet_train_0.12345", notFound.BaseName)

	require.Error(t, h.Save("test", newCheckpoint(0.1, 1)))
}

func TestResumeAcrossHandlers(t *testing.T) {
	dir := t.TempDir()
	h1, err := Build("unet").Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, h1.Save(Train, newCheckpoint(0.5, 1)))

	// A new process: the previous set is found, loaded by name and replaced by the next save.
	h2, err := Build("unet").Dir(dir).Done()
	require.NoError(t, err)
	assert.NotEqual(t, h1.RunID(), h2.RunID())
	ckpt, err := h2.LoadFile(filepath.Join(dir, WeightsDir, "unet_train_0.50000.bin"))
	require.NoError(t, err)
	assert.Equal(t, 1, ckpt.Epoch)
	require.NoError(t, h2.Save(Train, newCheckpoint(0.4, 2)))
	list, err := h2.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, []string{"unet_train_0.40000"}, list)

	// Other model names in the same directory are ignored.
	h3, err := Build("linknet").Dir(dir).Done()
	require.NoError(t, err)
	list, err = h3.ListCheckpoints()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build("").Dir(t.TempDir()).Done()
	require.Error(t, err)
	_, err = Build("a/b").Dir(t.TempDir()).Done()
	require.Error(t, err)
	_, err = Build("unet").Done()
	require.Error(t, err)

	filePath := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(filePath, nil, 0644))
	_, err = Build("unet").Dir(filePath).Done()
	require.Error(t, err)
}

func TestParseBaseName(t *testing.T) {
	name, criterion, loss, ok := ParseBaseName("my_model_val_0.01234")
	require.True(t, ok)
	assert.Equal(t, "my_model", name)
	assert.Equal(t, Validation, criterion)
	assert.Equal(t, 0.01234, loss)

	_, _, _, ok = ParseBaseName("checkpoint-n0000001-20240101-000000")
	assert.False(t, ok)
}
