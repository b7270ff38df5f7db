// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"regexp"
	"strings"
)

// statusWindow is how much trailing text the detector looks at. Older
// text describes work that already finished.
const statusWindow = 240

// DefaultStatusLabel is shown when no rule matches.
const DefaultStatusLabel = "Thinking"

// StatusRule pairs a predicate over streamed text with the label shown
// while it holds.
type StatusRule struct {
	Label string
	Match func(text string) bool
}

// MatchRegexp builds a StatusRule predicate from a regular expression.
// It panics on an invalid pattern, like regexp.MustCompile.
func MatchRegexp(pattern string) func(string) bool {
	re := regexp.MustCompile(pattern)
	return re.MatchString
}

// MatchAny builds a case-insensitive substring predicate.
func MatchAny(substrings ...string) func(string) bool {
	lowered := make([]string, len(substrings))
	for i, s := range substrings {
		lowered[i] = strings.ToLower(s)
	}
	return func(text string) bool {
		text = strings.ToLower(text)
		for _, s := range lowered {
			if strings.Contains(text, s) {
				return true
			}
		}
		return false
	}
}

// DefaultStatusRules is the built-in table, most specific first.
func DefaultStatusRules() []StatusRule {
	return []StatusRule{
		{Label: "Looking into an error", Match: MatchRegexp(`(?i)\b(error|failed|exception|traceback)\b`)},
		{Label: "Searching", Match: MatchRegexp(`(?i)\b(search(ing)?|grep|look(ing)? for|find(ing)?)\b`)},
		{Label: "Running a command", Match: MatchRegexp(`(?i)(\b(run(ning)?|execut(e|ing))\b|^\$ |\n\$ )`)},
		{Label: "Writing files", Match: MatchRegexp(`(?i)\b(writ(e|ing)|creat(e|ing)|sav(e|ing))\b.*\bfile`)},
		{Label: "Reading files", Match: MatchRegexp(`(?i)\b(read(ing)?|open(ing)?|inspect(ing)?)\b`)},
		{Label: "Writing code", Match: MatchAny("```")},
	}
}

// StatusDetector maps streamed text to a short human status label.
//
// Rules are evaluated in order and the first match wins. The table is
// plain data so callers can extend or replace it.
type StatusDetector struct {
	rules    []StatusRule
	fallback string
}

// NewStatusDetector creates a detector over rules. An empty fallback
// uses DefaultStatusLabel.
func NewStatusDetector(rules []StatusRule, fallback string) *StatusDetector {
	if fallback == "" {
		fallback = DefaultStatusLabel
	}
	copied := make([]StatusRule, len(rules))
	copy(copied, rules)
	return &StatusDetector{rules: copied, fallback: fallback}
}

// NewDefaultStatusDetector uses DefaultStatusRules.
func NewDefaultStatusDetector() *StatusDetector {
	return NewStatusDetector(DefaultStatusRules(), DefaultStatusLabel)
}

// Detect returns the label of the first rule matching the tail of text.
func (d *StatusDetector) Detect(text string) string {
	tail := text
	if len(tail) > statusWindow {
		tail = tail[len(tail)-statusWindow:]
	}
	for _, rule := range d.rules {
		if rule.Match != nil && rule.Match(tail) {
			return rule.Label
		}
	}
	return d.fallback
}
