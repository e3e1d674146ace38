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

package truncate

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestClipUnderLimit(t *testing.T) {
	if got := Clip("short", 100); got != "short" {
		t.Errorf("Clip = %q, want unchanged", got)
	}
	if got := Clip("anything at all", 0); got != "anything at all" {
		t.Errorf("expected no cap for max 0, got %q", got)
	}
	if got := Clip("anything at all", -1); got != "anything at all" {
		t.Errorf("expected no cap for negative max, got %q", got)
	}
}

func TestClipKeepsHeadAndTail(t *testing.T) {
	var b strings.Builder
	b.WriteString("HEAD-MARKER\n")
	for i := 0; i < 1000; i++ {
		b.WriteString("line of filler output that will be dropped\n")
	}
	b.WriteString("TAIL-MARKER")
	s := b.String()

	got := Clip(s, 2048)
	if len(got) > 2048 {
		t.Errorf("clipped length %d exceeds max", len(got))
	}
	if !strings.HasPrefix(got, "HEAD-MARKER") {
		t.Error("expected the head to survive")
	}
	if !strings.HasSuffix(got, "TAIL-MARKER") {
		t.Error("expected the tail to survive")
	}
	if !strings.Contains(got, "bytes truncated") {
		t.Error("expected the truncation marker")
	}
}

func TestClipReportsDroppedBytes(t *testing.T) {
	s := strings.Repeat("a", 10000)
	got := Clip(s, 1000)

	i := strings.Index(got, "\n... [")
	if i < 0 {
		t.Fatalf("no marker in %q", got[:80])
	}
	var dropped int
	if _, err := fmt.Sscanf(got[i:], "\n... [%d bytes truncated]", &dropped); err != nil {
		t.Fatalf("unparseable marker: %v", err)
	}

	// Everything kept plus everything reported dropped adds back up.
	marker := fmt.Sprintf("\n... [%d bytes truncated] ...\n", dropped)
	kept := len(got) - len(marker)
	if kept+dropped != len(s) {
		t.Errorf("kept %d + dropped %d != original %d", kept, dropped, len(s))
	}
}

func TestClipRespectsRuneBoundaries(t *testing.T) {
	s := strings.Repeat("héllo wörld ", 500)
	got := Clip(s, 512)
	if !utf8.ValidString(got) {
		t.Error("clip split a multibyte rune")
	}
	if len(got) > 512 {
		t.Errorf("clipped length %d exceeds max", len(got))
	}
}

func TestClipTinyBudgetHardCuts(t *testing.T) {
	s := strings.Repeat("x", 200)
	got := Clip(s, 40)
	if len(got) > 40 {
		t.Errorf("length %d exceeds max 40", len(got))
	}
	if !strings.HasPrefix(s, got) {
		t.Error("tiny budgets should keep a plain prefix")
	}
}
