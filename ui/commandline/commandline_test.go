// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/segtrain/pkg/ml/data"
	"github.com/gomlx/segtrain/pkg/ml/models/pixelwise"
	"github.com/gomlx/segtrain/pkg/ml/params"
	"github.com/gomlx/segtrain/pkg/ml/train"
	"github.com/gomlx/segtrain/pkg/ml/train/plateau"
)

func createTestParams() *params.Params {
	return params.NewWith(map[string]any{
		"x":          11.0,
		"y":          7,
		"z":          false,
		"s":          "foo",
		"list_int":   []int{},
		"list_float": []float64{},
		"list_str":   []string{},
	})
}

func TestParseSettings(t *testing.T) {
	p := createTestParams()
	paramsSet, err := ParseSettings(p, "x=13;z=true;y=1_000;s=bar;list_int=1,3,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "z", "y", "s", "list_int", "list_float", "list_str"}, paramsSet)
	assert.Equal(t, 13.0, params.GetParamOr(p, "x", 0.0))
	assert.Equal(t, 1000, params.GetParamOr(p, "y", 0))
	assert.True(t, params.GetParamOr(p, "z", false))
	assert.Equal(t, "bar", params.GetParamOr(p, "s", ""))
	assert.Equal(t, []int{1, 3, 7}, params.GetParamOr(p, "list_int", []int{}))
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, params.GetParamOr(p, "list_float", []float64{}))
	assert.Equal(t, []string{"a", "b"}, params.GetParamOr(p, "list_str", []string{}))

	modified := SprintModifiedSettings(p, []string{"y", "x", "y"})
	assert.Equal(t, "\t\"x\": (float64) 13\n\t\"y\": (int) 1000", modified)
	assert.Contains(t, SprintSettings(p), `"s": (string) bar`)

	// Parameter "q" is unknown.
	_, err = ParseSettings(p, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseSettings(p, "y=3.14")
	require.Error(t, err)

	// Malformed.
	_, err = ParseSettings(p, "x")
	require.Error(t, err)
	_, err = ParseSettings(p, "x=1=2")
	require.Error(t, err)
}

func TestParseSettingsFile(t *testing.T) {
	p := createTestParams()
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Comment\nx=0.5\n\ny=2;s=baz\n"), 0644))
	paramsSet, err := ParseSettings(p, "file:"+filePath+";z=true")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "s", "z"}, paramsSet)
	assert.Equal(t, 0.5, params.GetParamOr(p, "x", 0.0))
	assert.Equal(t, "baz", params.GetParamOr(p, "s", ""))

	_, err = ParseSettings(p, "file:"+filePath+".missing")
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m1.23s", FormatDuration(2*time.Minute+1234567*time.Microsecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "3s", FormatDuration(3*time.Second))
	assert.Equal(t, "0s", FormatDuration(0))
}

func TestEpochAnnotations(t *testing.T) {
	stats := &train.EpochStats{
		Epoch:         3,
		Steps:         1234,
		Duration:      1500 * time.Millisecond,
		TrainDecision: plateau.Decision{State: plateau.Improving, PreviousBest: 0.5, Loss: 0.25},
		HasValidation: true,
		ValDecision:   plateau.Decision{State: plateau.Decaying, PreviousBest: 0.3, Loss: 0.4},
		RolledBackTo:  "run_val_0.30000",
		LRChanges:     []train.LRChange{{Reason: "decay", FromMaxLR: 0.01, ToMaxLR: 0.005}},
		Stopped:       true,
		StopReason:    "learning rate decayed below the minimum",
	}
	lines := EpochAnnotations(stats, 50)
	require.Len(t, lines, 6)
	assert.Equal(t, "[+] Epoch (3/50) - 1.50s - 1,234 steps", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "[+] training -- new better loss: 0.25000"))
	assert.True(t, strings.HasPrefix(lines[2], "[-] validation -- loss: 0.40000"))
	assert.Contains(t, lines[3], "run_val_0.30000")
	assert.Equal(t, "[!] New learning rate (decay): max 0.01 -> 0.005", lines[4])
	assert.Equal(t, "[!] Early stop: learning rate decayed below the minimum", lines[5])

	first := EpochAnnotations(&train.EpochStats{
		Epoch:         1,
		TrainDecision: plateau.Decision{State: plateau.Improving, PreviousBest: math.Inf(1), Loss: 0.7},
	}, 2)
	assert.Len(t, first, 2)
}

// memSource has 3x2x2 images with a mask set where the first channel is > 0.5.
type memSource struct{ n int }

func (s memSource) Len() int { return s.n }

func (s memSource) Get(index int) (input, label *data.Tensor, err error) {
	input = data.NewTensor(3, 2, 2)
	label = data.NewTensor(1, 2, 2)
	for ii := range input.Values {
		input.Values[ii] = float32((index*7+ii*3)%10) / 10
	}
	for ii := range label.Values {
		if input.Values[ii] > 0.5 {
			label.Values[ii] = 1
		}
	}
	return
}

func TestAttachStatsAndAnnotations(t *testing.T) {
	var buf bytes.Buffer
	savedOutput := Output
	Output = &buf
	defer func() { Output = savedOutput }()

	model, err := pixelwise.New(pixelwise.DefaultConfig())
	require.NoError(t, err)
	config, err := train.RunConfigFromParams(params.NewWith(map[string]any{
		train.ParamTargetBatchSize: 4,
		train.ParamMicroBatchSize:  2,
		train.ParamMaxEpochs:       2,
	}))
	require.NoError(t, err)
	loop, err := train.NewLoop(config, model, nil)
	require.NoError(t, err)
	AttachStats(loop, 2)
	AttachAnnotations(loop)

	ds := data.NewBatcher("mem", memSource{n: 8}, 2).DropRemainder(4)
	require.NoError(t, loop.RunEpochs(ds))

	output := buf.String()
	assert.Contains(t, output, "[epoch 1, step 2] loss: ")
	assert.Contains(t, output, "[epoch 2, step 4] loss: ")
	assert.Contains(t, output, "[+] Epoch (1/2)")
	assert.Contains(t, output, "[+] Epoch (2/2)")
	assert.Contains(t, output, "[+] training -- new better loss")
}

func TestProgressBarStopsOnFailure(t *testing.T) {
	var buf bytes.Buffer
	savedOutput := Output
	Output = &buf
	defer func() { Output = savedOutput }()

	model, err := pixelwise.New(pixelwise.DefaultConfig())
	require.NoError(t, err)
	config, err := train.RunConfigFromParams(params.NewWith(map[string]any{
		train.ParamTargetBatchSize: 4,
		train.ParamMicroBatchSize:  2,
		train.ParamMaxEpochs:       2,
	}))
	require.NoError(t, err)
	loop, err := train.NewLoop(config, model, nil)
	require.NoError(t, err)
	AttachProgressBar(loop)

	// Fewer samples than one effective batch: the first epoch fails.
	ds := data.NewBatcher("mem", memSource{n: 2}, 2).DropRemainder(4)
	err = loop.RunEpochs(ds)
	var degenerate *train.DegenerateEpochError
	require.ErrorAs(t, err, &degenerate)
	assert.Contains(t, buf.String(), "\x1b[?25h", "cursor should be restored")
}
