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
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/task"
)

const clientJudgeTag = "yes/no/unknown"

// ClientJudge asks a second, grammar-constrained model whether the
// response answers the question with the ground-truth choice. The
// grader model can only emit yes, no, or unknown.
type ClientJudge struct {
	counters
	grader  *client.Client
	choices []string
	tag     string
	grammar *chat.Grammar
}

// NewClientJudge creates a judge backed by a grader client.
func NewClientJudge(grader *client.Client) *ClientJudge {
	return &ClientJudge{grader: grader}
}

// Prepare implements Judge.
func (j *ClientJudge) Prepare(spec task.Spec) error {
	if spec.Answer == "" {
		return fmt.Errorf("%w: client judge needs a categorical answer tag", ErrUnsupportedSpec)
	}
	g, err := chat.TagGrammar(spec.Answer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedSpec, err)
	}
	j.tag = spec.Answer
	j.choices = g.ChoiceSet()
	j.grammar, err = chat.TagGrammar(clientJudgeTag)
	if err != nil {
		return err
	}
	return nil
}

// FormatDescription implements Judge.
func (j *ClientJudge) FormatDescription(desc string) string { return desc }

// Interpret implements Judge.
//
// Description:
//
//	The grader is asked once per candidate choice whether the response
//	commits to that choice. Exactly one "yes" yields that choice as
//	the decision; zero or several "yes" answers are a parse failure.
func (j *ClientJudge) Interpret(ctx context.Context, question string, response *chat.Message) (any, map[string]any, error) {
	var picked []string
	for _, choice := range j.choices {
		prompt := fmt.Sprintf(
			"Question:\n%s\n\nResponse:\n%s\n\nDoes the response give %q as its answer to the question? Reply yes, no, or unknown.",
			question, response.Text(), choice,
		)
		req := j.grader.WrapChat([]chat.Message{chat.User(prompt)}, client.Params{Grammar: j.grammar})
		resp, err := j.grader.Send(ctx, req)
		if err != nil {
			j.failure()
			return nil, nil, fmt.Errorf("grader call: %w", err)
		}
		verdict := strings.ToLower(strings.TrimSpace(resp.First().Text()))
		if verdict == "yes" {
			picked = append(picked, choice)
		}
	}

	switch len(picked) {
	case 1:
		j.success()
		return picked[0], nil, nil
	case 0:
		j.failure()
		return nil, nil, fmt.Errorf("%w: grader found no committed choice", ErrNoDecision)
	default:
		j.failure()
		return nil, nil, fmt.Errorf("%w: grader found several choices %v", ErrNoDecision, picked)
	}
}

// Judge implements Judge by exact comparison.
func (j *ClientJudge) Judge(decision, answer any, _ map[string]any) (*Verdict, error) {
	got, ok := decision.(string)
	if !ok {
		return nil, fmt.Errorf("decision is %T, want string", decision)
	}
	return &Verdict{Correct: strings.EqualFold(got, fmt.Sprintf("%v", answer))}, nil
}
