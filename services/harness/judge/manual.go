// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package judge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/task"
)

// Manual prompts a human on the console for each decision. In and Out
// default to stdin/stdout and are injectable for tests.
type Manual struct {
	counters
	In      io.Reader
	Out     io.Writer
	choices []string
	reader  *bufio.Reader
}

// NewManual creates a console judge.
func NewManual() *Manual {
	return &Manual{In: os.Stdin, Out: os.Stdout}
}

// Prepare implements Judge.
func (j *Manual) Prepare(spec task.Spec) error {
	if spec.Answer == "" {
		return fmt.Errorf("%w: manual judge needs a categorical answer tag", ErrUnsupportedSpec)
	}
	g, err := chat.TagGrammar(spec.Answer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedSpec, err)
	}
	j.choices = g.ChoiceSet()
	j.reader = bufio.NewReader(j.In)
	return nil
}

// FormatDescription implements Judge.
func (j *Manual) FormatDescription(desc string) string { return desc }

// Interpret implements Judge by showing the exchange and reading one
// line from the console. An empty line or unknown choice counts as a
// parse failure.
func (j *Manual) Interpret(ctx context.Context, question string, response *chat.Message) (any, map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(j.Out, "--- question ---\n%s\n--- response ---\n%s\n", question, response.Text())
	fmt.Fprintf(j.Out, "decision [%s]: ", strings.Join(j.choices, "/"))

	line, err := j.reader.ReadString('\n')
	if err != nil && line == "" {
		j.failure()
		return nil, nil, fmt.Errorf("%w: console read: %v", ErrNoDecision, err)
	}
	decision := normalizeChoice(line, j.choices)
	if decision == "" {
		j.failure()
		return nil, nil, fmt.Errorf("%w: %q is not one of %v", ErrNoDecision, strings.TrimSpace(line), j.choices)
	}
	j.success()
	return decision, nil, nil
}

// Judge implements Judge by exact comparison.
func (j *Manual) Judge(decision, answer any, _ map[string]any) (*Verdict, error) {
	got, ok := decision.(string)
	if !ok {
		return nil, fmt.Errorf("decision is %T, want string", decision)
	}
	return &Verdict{Correct: strings.EqualFold(got, fmt.Sprintf("%v", answer))}, nil
}
