// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/segtrain/pkg/ml/params"
	"github.com/gomlx/segtrain/pkg/support/fsutil"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in `p`. The default values are also used to set the type to which the
// string values will be parsed to.
//
// It updates `p` accordingly and returns the list of parameters set, or an error in case a
// parameter is unknown or the parsing failed.
//
// An entry "file:<path>" reads the settings from the file, one or more per line, where lines
// starting with "#" are comments.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// Example usage:
//
//	func main() {
//		p := train.DefaultParams()
//		settings := commandline.CreateSettingsFlag(p, "")
//		flag.Parse()
//		paramsSet := must.M1(commandline.ParseSettings(p, *settings))
//		fmt.Println(commandline.SprintModifiedSettings(p, paramsSet))
//		...
//	}
func ParseSettings(p *params.Params, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(p, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseSetting(p *params.Params, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		return parseSettingsFile(p, filePath, paramsSet)
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return nil, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
	}
	name = strings.TrimSpace(name)
	defaultValue, found := p.GetParam(name)
	if !found {
		return nil, errors.Errorf("can't set parameter %q because it is not known, see -help for the list of parameters", name)
	}
	value, err := parseValue(defaultValue, strings.TrimSpace(valueStr))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, name, defaultValue)
	}
	p.SetParam(name, value)
	return append(paramsSet, name), nil
}

func parseSettingsFile(p *params.Params, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseSetting(p, strings.TrimSpace(setting), paramsSet)
			if err != nil {
				return nil, errors.WithMessagef(err, "in settings file %q", filePath)
			}
		}
	}
	return paramsSet, nil
}

// parseValue parses valueStr into a value of the same type as defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return unmarshalNumber[int](valueStr)
	case int32:
		return unmarshalNumber[int32](valueStr)
	case int64:
		return unmarshalNumber[int64](valueStr)
	case uint64:
		return unmarshalNumber[uint64](valueStr)
	case float64:
		return unmarshalNumber[float64](valueStr)
	case float32:
		return unmarshalNumber[float32](valueStr)
	case bool:
		var v bool
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return unmarshalList[int](valueStr)
	case []float64:
		return unmarshalList[float64](valueStr)
	default:
		return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
	}
}

func unmarshalNumber[T int | int32 | int64 | uint64 | float32 | float64](valueStr string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
	return v, err
}

func unmarshalList[T int | float64](valueStr string) ([]T, error) {
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		v, err := unmarshalNumber[T](strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters currently defined in `p`.
//
// The flag should be created before the call to `flags.Parse()`. See example in ParseSettings.
func CreateSettingsFlag(p *params.Params, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set hyperparameters of the training. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	p.EnumerateParams(func(key string, value any) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-print values for the current hyperparameters settings into a string.
func SprintSettings(p *params.Params) string {
	var parts []string
	p.EnumerateParams(func(key string, value any) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-print the values of the parameters in paramsSet, as returned by
// ParseSettings, sorted and without duplicates.
func SprintModifiedSettings(p *params.Params, paramsSet []string) string {
	paramsSet = slices.Compact(slices.Sorted(slices.Values(paramsSet)))
	var parts []string
	for _, name := range paramsSet {
		value, found := p.GetParam(name)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", name, value, value))
	}
	return strings.Join(parts, "\n")
}
