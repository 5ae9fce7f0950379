// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/segtrain/pkg/ml/models/pixelwise"
	"github.com/gomlx/segtrain/pkg/ml/params"
)

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"pixelwise"}, Names())

	p := params.NewWith(map[string]any{pixelwise.ParamLoss: "dice"})
	model, err := FromParams(p)
	require.NoError(t, err)
	pw, ok := model.(*pixelwise.Model)
	require.True(t, ok)
	assert.Equal(t, "dice", pw.Config().Loss)

	_, err = ByName(p, "unet")
	require.ErrorContains(t, err, "unknown model")

	p.SetParam(pixelwise.ParamLoss, "hinge")
	_, err = FromParams(p)
	require.ErrorContains(t, err, "failed to create model")
}
