// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package strategy

import (
	"context"
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/judge"
	"github.com/AleutianAI/gauntlet/services/harness/task"
	"github.com/AleutianAI/gauntlet/services/harness/template"
)

// DefaultQuestionTemplate forwards the question verbatim.
var DefaultQuestionTemplate = template.New("question", "{question}")

// ZeroShot sends a single templated prompt and returns the response
// content. If the task spec declares a JSON schema it becomes the
// request grammar.
type ZeroShot struct {
	client  *client.Client
	tpl     *template.Template
	desc    string
	grammar *chat.Grammar
}

// NewZeroShot creates the strategy. A nil template uses
// DefaultQuestionTemplate.
func NewZeroShot(c *client.Client, tpl *template.Template) *ZeroShot {
	if tpl == nil {
		tpl = DefaultQuestionTemplate
	}
	return &ZeroShot{client: c, tpl: tpl}
}

// Name implements Strategy.
func (s *ZeroShot) Name() string { return "zero_shot" }

// Prepare implements Strategy.
func (s *ZeroShot) Prepare(t task.Task, j judge.Judge) error {
	s.desc = t.Description()
	if j != nil {
		s.desc = j.FormatDescription(s.desc)
	}
	if schema := t.Spec().Schema; len(schema) > 0 {
		s.grammar = chat.SchemaGrammar(schema)
	}
	return nil
}

// Solve implements Strategy.
func (s *ZeroShot) Solve(ctx context.Context, p Problem) (*Result, error) {
	prompt, err := fillKnown(s.tpl, map[string]string{
		"question":    p.Question,
		"description": s.desc,
	})
	if err != nil {
		return nil, err
	}

	messages := []chat.Message{chat.User(prompt)}
	if s.desc != "" {
		messages = []chat.Message{chat.System(s.desc), chat.User(prompt)}
	}
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
	return &Result{Final: final}, nil
}

// StatsScope implements StatsCollector.
func (s *ZeroShot) StatsScope() *client.Scope { return s.client.StatsScope() }
