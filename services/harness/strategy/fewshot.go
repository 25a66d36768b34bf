// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/judge"
	"github.com/AleutianAI/gauntlet/services/harness/task"
	"github.com/AleutianAI/gauntlet/services/harness/template"
)

// FewShot renders the first n development examples as prior chat
// turns before the real question.
type FewShot struct {
	client  *client.Client
	tpl     *template.Template
	nShot   int
	desc    string
	grammar *chat.Grammar
	shots   []chat.Message
}

// NewFewShot creates the strategy. A nil template uses
// DefaultQuestionTemplate.
func NewFewShot(c *client.Client, tpl *template.Template, nShot int) *FewShot {
	if tpl == nil {
		tpl = DefaultQuestionTemplate
	}
	return &FewShot{client: c, tpl: tpl, nShot: nShot}
}

// Name implements Strategy.
func (s *FewShot) Name() string { return fmt.Sprintf("few_shot_%d", s.nShot) }

// Prepare implements Strategy. The task must expose dev examples.
func (s *FewShot) Prepare(t task.Task, j judge.Judge) error {
	s.desc = t.Description()
	if j != nil {
		s.desc = j.FormatDescription(s.desc)
	}
	if schema := t.Spec().Schema; len(schema) > 0 {
		s.grammar = chat.SchemaGrammar(schema)
	}

	dev, ok := t.(task.DevExampler)
	if !ok {
		return fmt.Errorf("task %s has no dev examples for few-shot", t.Name())
	}
	s.shots = s.shots[:0]
	for i := 0; i < s.nShot; i++ {
		q, a, err := dev.DevExample(i)
		if err != nil {
			return fmt.Errorf("dev example %d: %w", i, err)
		}
		prompt, err := fillKnown(s.tpl, map[string]string{"question": q, "description": s.desc})
		if err != nil {
			return err
		}
		s.shots = append(s.shots, chat.User(prompt), chat.Assistant(a))
	}
	return nil
}

// Solve implements Strategy.
func (s *FewShot) Solve(ctx context.Context, p Problem) (*Result, error) {
	prompt, err := fillKnown(s.tpl, map[string]string{
		"question":    p.Question,
		"description": s.desc,
	})
	if err != nil {
		return nil, err
	}

	messages := make([]chat.Message, 0, len(s.shots)+2)
	if s.desc != "" {
		messages = append(messages, chat.System(s.desc))
	}
	messages = append(messages, s.shots...)
	messages = append(messages, chat.User(prompt))

	req := s.client.WrapChat(messages, client.Params{
		Seed:    seedParam(p.Seed),
		Grammar: s.grammar,
	})
	resp, err := s.client.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	final := strings.TrimSpace(resp.First().Text())
	if final == "" {
		return nil, failf(ErrParsing, "empty response content")
	}
	return &Result{Final: final, Info: map[string]any{"n_shot": s.nShot}}, nil
}

// StatsScope implements StatsCollector.
func (s *FewShot) StatsScope() *client.Scope { return s.client.StatsScope() }
