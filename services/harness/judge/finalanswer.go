// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package judge

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/task"
)

// finalAnswerPattern matches "FINAL ANSWER: <value>" case-insensitively
// anywhere in the response, with or without the colon.
var finalAnswerPattern = regexp.MustCompile(`(?im)final answer\s*:?\s*(.+?)\s*$`)

// FinalAnswer extracts a categorical decision from a "FINAL ANSWER:"
// line. The last occurrence wins so models may think out loud first.
type FinalAnswer struct {
	counters
	choices []string
	tag     string
}

// NewFinalAnswer creates the regex judge. Prepare must run before
// Interpret.
func NewFinalAnswer() *FinalAnswer {
	return &FinalAnswer{}
}

// Prepare implements Judge. The task answer must be a known grammar
// tag such as "yes/no".
func (j *FinalAnswer) Prepare(spec task.Spec) error {
	if spec.Answer == "" {
		return fmt.Errorf("%w: no categorical answer tag", ErrUnsupportedSpec)
	}
	g, err := chat.TagGrammar(spec.Answer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedSpec, err)
	}
	j.tag = spec.Answer
	j.choices = g.ChoiceSet()
	return nil
}

// FormatDescription implements Judge.
func (j *FinalAnswer) FormatDescription(desc string) string {
	return fmt.Sprintf("%s\nGive your final answer in the form FINAL ANSWER: {%s}", desc, j.tag)
}

// Interpret implements Judge.
func (j *FinalAnswer) Interpret(_ context.Context, _ string, response *chat.Message) (any, map[string]any, error) {
	matches := finalAnswerPattern.FindAllStringSubmatch(response.Text(), -1)
	if len(matches) == 0 {
		j.failure()
		return nil, nil, fmt.Errorf("%w: no final-answer line", ErrNoDecision)
	}
	raw := matches[len(matches)-1][1]
	decision := normalizeChoice(raw, j.choices)
	if decision == "" {
		j.failure()
		return nil, nil, fmt.Errorf("%w: %q is not one of %v", ErrNoDecision, raw, j.choices)
	}
	j.success()
	return decision, nil, nil
}

// Judge implements Judge by exact comparison.
func (j *FinalAnswer) Judge(decision, answer any, _ map[string]any) (*Verdict, error) {
	got, ok := decision.(string)
	if !ok {
		return nil, fmt.Errorf("decision is %T, want string", decision)
	}
	want := fmt.Sprintf("%v", answer)
	return &Verdict{Correct: strings.EqualFold(got, want)}, nil
}

// normalizeChoice maps raw text onto a choice set. Punctuation is
// stripped and matching is case-insensitive. Returns "" when no
// single choice matches.
func normalizeChoice(raw string, choices []string) string {
	cleaned := strings.ToLower(strings.Trim(strings.TrimSpace(raw), `."'*()`))
	for _, c := range choices {
		if cleaned == strings.ToLower(c) {
			return c
		}
	}
	// A decorated answer like "yes, because ..." still counts when
	// exactly one choice is its leading word.
	matched := ""
	for _, c := range choices {
		if strings.HasPrefix(cleaned, strings.ToLower(c)) {
			if matched != "" {
				return ""
			}
			matched = c
		}
	}
	return matched
}
