// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models holds the registry of the segmentation models that can be trained by name.
package models

import (
	"maps"
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/segtrain/pkg/ml/models/pixelwise"
	"github.com/gomlx/segtrain/pkg/ml/params"
	"github.com/gomlx/segtrain/pkg/ml/train"
)

// Constructor creates a model configured from the hyperparameters.
type Constructor func(p *params.Params) (train.Model, error)

var (
	// KnownModels maps model names to their constructors.
	KnownModels = map[string]Constructor{
		"pixelwise": func(p *params.Params) (train.Model, error) {
			return pixelwise.New(pixelwise.ConfigFromParams(p))
		},
	}

	// ParamModel is the hyperparameter with the name of the model. Default is "pixelwise".
	ParamModel = "model"

	// DefaultModel used by FromParams when ParamModel is not set.
	DefaultModel = "pixelwise"
)

// Names returns the sorted names of the known models.
func Names() []string {
	return slices.Sorted(maps.Keys(KnownModels))
}

// ByName creates the model registered under name.
func ByName(p *params.Params, name string) (train.Model, error) {
	constructor, found := KnownModels[name]
	if !found {
		return nil, errors.Errorf("unknown model %q, valid values are %q", name, Names())
	}
	model, err := constructor(p)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create model %q", name)
	}
	return model, nil
}

// FromParams creates the model named by ParamModel.
func FromParams(p *params.Params) (train.Model, error) {
	return ByName(p, params.GetParamOr(p, ParamModel, DefaultModel))
}
