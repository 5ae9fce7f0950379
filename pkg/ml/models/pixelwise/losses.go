// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pixelwise

import (
	"maps"
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// LossFn computes the loss of one sample given the per-pixel logits and labels (0 or 1), and writes
// the gradient of the loss with respect to each logit into dLogits.
//
// dLogits may be nil, in which case only the loss is computed.
type LossFn func(logits, labels, dLogits []float64) float64

var (
	// KnownLosses maps loss names to their implementation.
	KnownLosses = map[string]LossFn{
		"bce":  BinaryCrossentropy,
		"dice": SoftDice,
	}

	// ParamLoss is the hyperparameter with the name of the loss, one of the keys of KnownLosses.
	// The default is "bce".
	ParamLoss = "loss"
)

// LossByName returns the loss registered under name in KnownLosses.
func LossByName(name string) (LossFn, error) {
	fn, found := KnownLosses[name]
	if !found {
		return nil, errors.Errorf("unknown loss %q, valid values are %q", name, slices.Sorted(maps.Keys(KnownLosses)))
	}
	return fn, nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// softplus(x) = log(1+exp(x)), computed without overflow.
func softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}

// BinaryCrossentropy is the mean over the pixels of the binary cross-entropy of sigmoid(logits).
func BinaryCrossentropy(logits, labels, dLogits []float64) float64 {
	n := float64(len(logits))
	var loss float64
	for ii, z := range logits {
		y := labels[ii]
		loss += softplus(z) - y*z
		if dLogits != nil {
			dLogits[ii] = (sigmoid(z) - y) / n
		}
	}
	return loss / n
}

// diceSmoothing avoids the division by zero on empty masks.
const diceSmoothing = 1.0

// SoftDice is 1 minus the soft Dice coefficient between sigmoid(logits) and the labels.
func SoftDice(logits, labels, dLogits []float64) float64 {
	probs := make([]float64, len(logits))
	for ii, z := range logits {
		probs[ii] = sigmoid(z)
	}
	intersection := floats.Dot(probs, labels)
	total := floats.Sum(probs) + floats.Sum(labels) + diceSmoothing
	numerator := 2*intersection + diceSmoothing
	if dLogits != nil {
		total2 := total * total
		for ii, p := range probs {
			dProb := -(2*labels[ii]*total - numerator) / total2
			dLogits[ii] = dProb * p * (1 - p)
		}
	}
	return 1 - numerator/total
}
