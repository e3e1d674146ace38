// Copyright 2025 The Ringmaster Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package truncate caps tool output before it enters a model transcript.
// Tool results are unbounded (a file read, a query dump) while context
// windows are not; clipping keeps the head and tail of oversized output,
// which is where commands put the information that matters.
package truncate

import (
	"fmt"
	"unicode/utf8"
)

// markerBudget reserves room for the truncation marker inside the limit.
const markerBudget = 64

// Clip caps s at roughly max bytes. Oversized input keeps its head and
// tail with a marker in between noting how many bytes were dropped. Cuts
// land on rune boundaries. A max of zero or less means no cap.
func Clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}

	keep := max - markerBudget
	if keep < 32 {
		// Too small for head+tail to be useful; hard cut.
		return s[:runeFloor(s, max)]
	}

	// Weight the head: the start of output usually carries the shape
	// (headers, schema, the first rows).
	head := runeFloor(s, keep*2/3)
	tailStart := runeCeil(s, len(s)-(keep-head))

	dropped := tailStart - head
	return fmt.Sprintf("%s\n... [%d bytes truncated] ...\n%s", s[:head], dropped, s[tailStart:])
}

// runeFloor returns the largest offset <= i that starts a rune.
func runeFloor(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil returns the smallest offset >= i that starts a rune.
func runeCeil(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
