// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import "fmt"

// ConfigError is returned for invalid RunConfig values, before any training happens.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid training configuration %s: %s", e.Field, e.Reason)
}

// DegenerateEpochError is returned when an epoch (or a validation pass) completes without a single
// committed step: the dataset is smaller than one effective batch, and no loss can be computed.
type DegenerateEpochError struct {
	Epoch   int
	Dataset string
}

func (e *DegenerateEpochError) Error() string {
	return fmt.Sprintf("epoch %d over dataset %q completed zero steps: it has fewer samples than one effective batch",
		e.Epoch, e.Dataset)
}
