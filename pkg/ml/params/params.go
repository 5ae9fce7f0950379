// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params holds the hyperparameters of a training run: a flat map of named values, each
// with a default value that also defines its type.
//
// Components read their configuration with GetParamOr, and the command-line can override
// values with commandline.ParseSettings.
package params

import (
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
)

// Params maps hyperparameter names to their values.
//
// It is not safe for concurrent writes: parameters are set once at startup and only read afterward.
type Params struct {
	values map[string]any
}

// New creates an empty Params.
func New() *Params {
	return &Params{values: make(map[string]any)}
}

// NewWith creates a Params initialized with the given defaults.
func NewWith(defaults map[string]any) *Params {
	p := New()
	p.SetParams(defaults)
	return p
}

// GetParam returns the value for the given key.
func (p *Params) GetParam(key string) (value any, found bool) {
	value, found = p.values[key]
	return
}

// SetParam sets the value of the given key.
func (p *Params) SetParam(key string, value any) {
	p.values[key] = value
}

// SetParams sets a collection of parameters at once.
func (p *Params) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		p.values[key] = value
	}
}

// EnumerateParams calls fn for every parameter, in key order.
func (p *Params) EnumerateParams(fn func(key string, value any)) {
	for _, key := range slices.Sorted(maps.Keys(p.values)) {
		fn(key, p.values[key])
	}
}

// Len returns the number of parameters set.
func (p *Params) Len() int {
	return len(p.values)
}

// String implements fmt.Stringer.
func (p *Params) String() string {
	return fmt.Sprintf("params.Params(%d values)", len(p.values))
}

// GetParamOr returns the value of the given key, or defaultValue if it is not set (or set to nil).
//
// If the stored value has a different type, it is converted to T when possible (so an `int` is
// transparently converted to a `float64`), otherwise it panics with an explanation.
func GetParamOr[T any](p *Params, key string, defaultValue T) T {
	valueAny, found := p.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(defaultValue)
	if !v.CanConvert(typeOfT) {
		exceptions.Panicf("GetParamOr[%T](params, %q): value (%T) %#v cannot be converted to %T",
			defaultValue, key, valueAny, valueAny, defaultValue)
	}
	return v.Convert(typeOfT).Interface().(T)
}
