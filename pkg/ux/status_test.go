// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusDetector_DefaultRules(t *testing.T) {
	d := NewDefaultStatusDetector()

	tests := []struct {
		text string
		want string
	}{
		{"", DefaultStatusLabel},
		{"Let me consider this.", DefaultStatusLabel},
		{"I'm reading the config", "Reading files"},
		{"Searching the repository for usages", "Searching"},
		{"Running the test suite now", "Running a command"},
		{"I'll create a new file called main.go", "Writing files"},
		{"Here is the fix:\n```go\n", "Writing code"},
		{"The build failed while reading the file", "Looking into an error"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Detect(tt.text))
		})
	}
}

func TestStatusDetector_FirstMatchWins(t *testing.T) {
	d := NewStatusDetector([]StatusRule{
		{Label: "first", Match: MatchAny("alpha")},
		{Label: "second", Match: MatchAny("alpha", "beta")},
	}, "idle")

	assert.Equal(t, "first", d.Detect("ALPHA and beta"))
	assert.Equal(t, "second", d.Detect("only beta"))
	assert.Equal(t, "idle", d.Detect("gamma"))
}

func TestStatusDetector_OnlyLooksAtTail(t *testing.T) {
	d := NewStatusDetector([]StatusRule{{Label: "search", Match: MatchAny("search")}}, "")

	text := "search" + strings.Repeat(" ", statusWindow+10)
	assert.Equal(t, DefaultStatusLabel, d.Detect(text))
}

func TestStatusDetector_NilPredicateSkipped(t *testing.T) {
	d := NewStatusDetector([]StatusRule{{Label: "broken"}, {Label: "ok", Match: MatchAny("x")}}, "")
	assert.Equal(t, "ok", d.Detect("x"))
}

func TestStatusDetector_CopiesRules(t *testing.T) {
	rules := []StatusRule{{Label: "a", Match: MatchAny("a")}}
	d := NewStatusDetector(rules, "")
	rules[0].Label = "mutated"

	assert.Equal(t, "a", d.Detect("a"))
}
