// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package images

import (
	"image"
	"maps"
	"math/rand/v2"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Augmentation transforms an input image and its mask with the same geometric transformation.
//
// It must be safe for concurrent use.
type Augmentation func(img, mask image.Image) (image.Image, image.Image)

// FlipHorizontal mirrors image and mask left to right.
func FlipHorizontal(img, mask image.Image) (image.Image, image.Image) {
	return imaging.FlipH(img), imaging.FlipH(mask)
}

// FlipVertical mirrors image and mask top to bottom.
func FlipVertical(img, mask image.Image) (image.Image, image.Image) {
	return imaging.FlipV(img), imaging.FlipV(mask)
}

// Rotate90 rotates image and mask 90 degrees counter-clockwise.
func Rotate90(img, mask image.Image) (image.Image, image.Image) {
	return imaging.Rotate90(img), imaging.Rotate90(mask)
}

// WithProbability returns an Augmentation that applies aug with probability p.
func WithProbability(p float64, aug Augmentation) Augmentation {
	return func(img, mask image.Image) (image.Image, image.Image) {
		if rand.Float64() < p {
			return aug(img, mask)
		}
		return img, mask
	}
}

// Chain applies the augmentations in order.
func Chain(augs ...Augmentation) Augmentation {
	return func(img, mask image.Image) (image.Image, image.Image) {
		for _, aug := range augs {
			img, mask = aug(img, mask)
		}
		return img, mask
	}
}

// Augmentations registry: maps the names accepted by the command-line to their implementation.
// "none" maps to nil.
var Augmentations = map[string]Augmentation{
	"none":     nil,
	"flip_h":   WithProbability(0.5, FlipHorizontal),
	"flip_v":   WithProbability(0.5, FlipVertical),
	"rotate90": WithProbability(0.5, Rotate90),
	"flip": Chain(
		WithProbability(0.5, FlipHorizontal),
		WithProbability(0.5, FlipVertical)),
	"all": Chain(
		WithProbability(0.5, FlipHorizontal),
		WithProbability(0.5, FlipVertical),
		WithProbability(0.5, Rotate90)),
}

// AugmentationNames returns the sorted names of the registered augmentations.
func AugmentationNames() []string {
	return slices.Sorted(maps.Keys(Augmentations))
}

// AugmentationByName returns the registered augmentation, or an error listing the valid names.
func AugmentationByName(name string) (Augmentation, error) {
	aug, found := Augmentations[name]
	if !found {
		return nil, errors.Errorf("unknown augmentation %q, valid values are %q", name, AugmentationNames())
	}
	return aug, nil
}
