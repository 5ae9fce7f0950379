// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package images

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSample writes a width x height sample whose left half is red with a positive mask, and whose
// right half is blue with a negative mask.
func writeSample(t *testing.T, dir, id string, width, height int) {
	img := imaging.New(width, height, color.NRGBA{B: 255, A: 255})
	mask := imaging.New(width, height, color.NRGBA{A: 255})
	for y := range height {
		for x := range width / 2 {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
			mask.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	require.NoError(t, imaging.Save(img, filepath.Join(dir, id+InputSuffix), imaging.JPEGQuality(100)))
	require.NoError(t, imaging.Save(mask, filepath.Join(dir, id+MaskSuffix)))
}

func TestSource(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "b", 8, 4)
	writeSample(t, dir, "a", 8, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	src, err := NewSource(dir, 0, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 2, src.Len())
	assert.Equal(t, []string{"a", "b"}, src.IDs())

	input, label, err := src.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 8}, input.Shape)
	assert.Equal(t, []int{1, 4, 8}, label.Shape)
	require.NoError(t, input.CheckShape())

	planeSize := 4 * 8
	// Pixel (y=1, x=1) is red, pixel (y=1, x=6) is blue. JPEG is lossy, hence the tolerance.
	assert.InDelta(t, 1.0, input.Values[0*planeSize+1*8+1], 0.15)
	assert.InDelta(t, 0.0, input.Values[2*planeSize+1*8+1], 0.15)
	assert.InDelta(t, 0.0, input.Values[0*planeSize+1*8+6], 0.15)
	assert.InDelta(t, 1.0, input.Values[2*planeSize+1*8+6], 0.15)

	// Mask is exactly binary.
	for y := range 4 {
		for x := range 8 {
			want := float32(0)
			if x < 4 {
				want = 1
			}
			assert.Equal(t, want, label.Values[y*8+x], "mask pixel (%d, %d)", y, x)
		}
	}

	_, _, err = src.Get(2)
	require.Error(t, err)
}

func TestSourceResizeAndAugment(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "0001", 16, 16)
	src, err := NewSource(dir, 8, 8, FlipHorizontal)
	require.NoError(t, err)
	input, label, err := src.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 8}, input.Shape)
	assert.Equal(t, []int{1, 8, 8}, label.Shape)

	// After flipping, the positive half is on the right.
	assert.Equal(t, float32(0), label.Values[0])
	assert.Equal(t, float32(1), label.Values[7])
}

func TestSourceMissingMask(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "x", 4, 4)
	require.NoError(t, os.Remove(filepath.Join(dir, "x"+MaskSuffix)))
	src, err := NewSource(dir, 0, 0, nil)
	require.NoError(t, err)
	_, _, err = src.Get(0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `mask of sample "x"`)

	_, err = NewSource(filepath.Join(dir, "missing"), 0, 0, nil)
	require.Error(t, err)
}

func TestAugmentationByName(t *testing.T) {
	aug, err := AugmentationByName("none")
	require.NoError(t, err)
	assert.Nil(t, aug)

	aug, err = AugmentationByName("flip")
	require.NoError(t, err)
	require.NotNil(t, aug)
	img, mask := aug(imaging.New(4, 2, color.Black), imaging.New(4, 2, color.White))
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 2, mask.Bounds().Dy())

	_, err = AugmentationByName("swirl")
	require.Error(t, err)
}

func TestRotate90(t *testing.T) {
	img, mask := Rotate90(imaging.New(4, 2, color.Black), imaging.New(4, 2, color.White))
	assert.Equal(t, 2, img.Bounds().Dx())
	assert.Equal(t, 4, mask.Bounds().Dy())
}
