// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package livelr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	f, err := NewFile(path, 0.01)
	require.NoError(t, err)
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0.01\n", string(contents))

	// Unchanged.
	_, ok, err := f.Poll()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("  0.005 \n"), 0644))
	lr, ok, err := f.Poll()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.005, lr)

	// Reported only once.
	_, ok, err = f.Poll()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("fast"), 0644))
	_, _, err = f.Poll()
	require.Error(t, err)

	require.NoError(t, os.Remove(path))
	_, _, err = f.Poll()
	require.Error(t, err)
}
