// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package images implements a data.SampleSource over a folder of satellite image / mask pairs.
//
// Each sample is a pair of files named `<id>_sat.jpg` (the RGB input) and `<id>_mask.png` (the
// segmentation mask, read as grayscale). Inputs are returned in CHW layout as float32 scaled
// to [0, 1], and masks are thresholded at 0.5 into {0, 1}.
package images

import (
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/segtrain/pkg/ml/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// InputSuffix is the file name suffix of the input images.
	InputSuffix = "_sat.jpg"

	// MaskSuffix is the file name suffix of the segmentation masks.
	MaskSuffix = "_mask.png"

	// MaskThreshold is the gray level, in [0, 1], from which a mask pixel is considered positive.
	MaskThreshold = 0.5
)

// Source reads samples from a directory. It implements data.SampleSource and is safe for
// concurrent use.
type Source struct {
	dir           string
	ids           []string
	width, height int
	augmentation  Augmentation
}

// Assert Source is a data.SampleSource.
var _ data.SampleSource = (*Source)(nil)

// NewSource scans dir for `<id>_sat.jpg` files.
//
// If width and height are > 0, images and masks are resized to that size, otherwise they must
// all have the same size. The augmentation can be nil.
func NewSource(dir string, width, height int, augmentation Augmentation) (*Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images directory %q", dir)
	}
	s := &Source{
		dir:          dir,
		width:        width,
		height:       height,
		augmentation: augmentation,
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), InputSuffix) {
			continue
		}
		s.ids = append(s.ids, strings.TrimSuffix(entry.Name(), InputSuffix))
	}
	slices.Sort(s.ids)
	klog.V(1).Infof("images.NewSource(%q): %d samples", dir, len(s.ids))
	return s, nil
}

// Len implements data.SampleSource.
func (s *Source) Len() int {
	return len(s.ids)
}

// IDs returns the sample ids, in the order of their indices.
func (s *Source) IDs() []string {
	return s.ids
}

// Get implements data.SampleSource.
func (s *Source) Get(index int) (input, label *data.Tensor, err error) {
	if index < 0 || index >= len(s.ids) {
		return nil, nil, errors.Errorf("sample index %d out of range [0, %d)", index, len(s.ids))
	}
	id := s.ids[index]
	var img, mask image.Image
	img, err = imaging.Open(filepath.Join(s.dir, id+InputSuffix))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read input image of sample %q", id)
	}
	mask, err = imaging.Open(filepath.Join(s.dir, id+MaskSuffix))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read mask of sample %q", id)
	}
	if s.augmentation != nil {
		img, mask = s.augmentation(img, mask)
	}
	imgNRGBA, maskNRGBA := s.normalizeSize(img, imaging.Lanczos), s.normalizeSize(mask, imaging.NearestNeighbor)
	if imgNRGBA.Rect.Size() != maskNRGBA.Rect.Size() {
		return nil, nil, errors.Errorf("sample %q: image size %v and mask size %v differ",
			id, imgNRGBA.Rect.Size(), maskNRGBA.Rect.Size())
	}
	return ToInputTensor(imgNRGBA), ToMaskTensor(maskNRGBA), nil
}

func (s *Source) normalizeSize(img image.Image, filter imaging.ResampleFilter) *image.NRGBA {
	if s.width > 0 && s.height > 0 {
		size := img.Bounds().Size()
		if size.X != s.width || size.Y != s.height {
			return imaging.Resize(img, s.width, s.height, filter)
		}
	}
	return imaging.Clone(img)
}

// ToInputTensor converts the image to a [3, height, width] tensor with the RGB channels scaled to [0, 1].
func ToInputTensor(img *image.NRGBA) *data.Tensor {
	size := img.Rect.Size()
	t := data.NewTensor(3, size.Y, size.X)
	planeSize := size.X * size.Y
	for y := range size.Y {
		row := img.Pix[y*img.Stride:]
		for x := range size.X {
			for c := range 3 {
				t.Values[c*planeSize+y*size.X+x] = float32(row[x*4+c]) / 255.0
			}
		}
	}
	return t
}

// ToMaskTensor converts the mask to a [1, height, width] tensor of 0s and 1s: pixels whose gray level
// is at least MaskThreshold become 1.
func ToMaskTensor(mask *image.NRGBA) *data.Tensor {
	size := mask.Rect.Size()
	t := data.NewTensor(1, size.Y, size.X)
	for y := range size.Y {
		row := mask.Pix[y*mask.Stride:]
		for x := range size.X {
			r, g, b := float32(row[x*4]), float32(row[x*4+1]), float32(row[x*4+2])
			gray := (0.299*r + 0.587*g + 0.114*b) / 255.0
			if gray >= MaskThreshold {
				t.Values[y*size.X+x] = 1
			}
		}
	}
	return t
}
