// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package livelr implements a train.LiveLearningRate that reads the learning rate from a file,
// so it can be tuned while a training runs: edit the file and the new value is picked up at the
// start of the next epoch.
package livelr

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/segtrain/pkg/support/fsutil"
)

// DefaultFileName used by the command-line trainer.
const DefaultFileName = "learning_rate"

// File reads the learning rate from a text file holding a single number.
type File struct {
	path string
	last float64
}

// NewFile creates a File source and writes the initial learning rate to it, overwriting
// any previous contents. Only values different from the last one seen are reported by Poll.
func NewFile(path string, initial float64) (*File, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	f := &File{path: path, last: initial}
	contents := []byte(strconv.FormatFloat(initial, 'g', -1, 64) + "\n")
	if err = fsutil.WriteFileAtomic(path, contents, 0644); err != nil {
		return nil, errors.WithMessagef(err, "livelr.NewFile(%q)", path)
	}
	return f, nil
}

// Path of the file.
func (f *File) Path() string {
	return f.path
}

// Poll implements train.LiveLearningRate.
func (f *File) Poll() (lr float64, ok bool, err error) {
	contents, err := os.ReadFile(f.path)
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to read learning rate file")
	}
	text := strings.TrimSpace(string(contents))
	lr, err = strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "invalid learning rate in %q", f.path)
	}
	if lr == f.last {
		return 0, false, nil
	}
	klog.V(1).Infof("livelr: learning rate in %q changed from %g to %g", f.path, f.last, lr)
	f.last = lr
	return lr, true, nil
}
