// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// durationUnitRegexp matches the last number and unit of a time.Duration string, e.g. "1.234567s" in "2m1.234567s".
var durationUnitRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)$`)

// FormatDuration pretty prints duration with at most 2 decimal places, e.g. "2m1.23s" or "12.35ms".
func FormatDuration(d time.Duration) string {
	s := d.String()
	loc := durationUnitRegexp.FindStringSubmatchIndex(s)
	if loc == nil {
		return s
	}
	num, err := strconv.ParseFloat(s[loc[2]:loc[3]], 64)
	if err != nil {
		return s
	}
	formatted := strconv.FormatFloat(num, 'f', 2, 64)
	if num == float64(int64(num)) {
		formatted = strconv.FormatInt(int64(num), 10)
	}
	return fmt.Sprintf("%s%s%s", s[:loc[0]], formatted, s[loc[4]:loc[5]])
}
