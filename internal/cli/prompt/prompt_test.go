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

package prompt

import (
	"context"
	"testing"
)

func TestCollectTypedValues(t *testing.T) {
	missing := []MissingArg{
		{Name: "path", Type: "string"},
		{Name: "limit", Type: "integer"},
		{Name: "ratio", Type: "number"},
		{Name: "verbose", Type: "boolean"},
		{Name: "mode", Type: "string", Enum: []string{"full", "head"}},
		{Name: "tags", Type: "array"},
	}
	mp := NewMockPrompter(true,
		"main.go",
		float64(10),
		0.5,
		true,
		"head",
		[]interface{}{"a", "b"},
	)

	got, err := Collect(context.Background(), mp, missing)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if got["path"] != "main.go" {
		t.Errorf("path = %v, want main.go", got["path"])
	}
	if got["limit"] != int64(10) {
		t.Errorf("limit = %v (%T), want int64(10)", got["limit"], got["limit"])
	}
	if got["ratio"] != 0.5 {
		t.Errorf("ratio = %v, want 0.5", got["ratio"])
	}
	if got["verbose"] != true {
		t.Errorf("verbose = %v, want true", got["verbose"])
	}
	if got["mode"] != "head" {
		t.Errorf("mode = %v, want head", got["mode"])
	}
	tags, ok := got["tags"].([]interface{})
	if !ok || len(tags) != 2 {
		t.Errorf("tags = %v, want two elements", got["tags"])
	}

	log := mp.CallLog()
	if len(log) != 6 {
		t.Fatalf("prompter saw %d prompts, want 6: %v", len(log), log)
	}
	if log[4] != "PromptEnum(mode)" {
		t.Errorf("log[4] = %q, want PromptEnum(mode)", log[4])
	}
}

func TestCollectNothingMissing(t *testing.T) {
	mp := NewMockPrompter(true)
	got, err := Collect(context.Background(), mp, nil)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if got != nil {
		t.Errorf("Collect() = %v, want nil", got)
	}
	if len(mp.CallLog()) != 0 {
		t.Errorf("prompter saw %d prompts, want 0", len(mp.CallLog()))
	}
}

func TestCollectNonInteractiveFails(t *testing.T) {
	mp := NewMockPrompter(false, "value")
	_, err := Collect(context.Background(), mp, []MissingArg{{Name: "path", Type: "string"}})
	if err == nil {
		t.Fatal("Collect() succeeded in non-interactive mode, want error")
	}
}

func TestCollectFractionalInteger(t *testing.T) {
	mp := NewMockPrompter(true, 1.5)
	_, err := Collect(context.Background(), mp, []MissingArg{{Name: "limit", Type: "integer"}})
	if err == nil {
		t.Fatal("Collect() accepted 1.5 for an integer argument, want error")
	}
}
