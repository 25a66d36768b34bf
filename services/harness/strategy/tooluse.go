// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/judge"
	"github.com/AleutianAI/gauntlet/services/harness/task"
)

const checkWorkPrompt = "I could not find a final answer in that reply. " +
	"Check your work and answer again in the required format."

// ToolUse drives a multi-turn dialogue, dispatching tool calls back
// through the registry until the model commits to a final answer the
// judge can interpret.
type ToolUse struct {
	client    *client.Client
	judge     judge.Judge
	maxTurns  int
	checkWork int
	desc      string
}

// NewToolUse creates the strategy. The client must carry a tool
// registry.
func NewToolUse(c *client.Client, maxTurns, checkWork int) *ToolUse {
	return &ToolUse{client: c, maxTurns: maxTurns, checkWork: checkWork}
}

// Name implements Strategy.
func (s *ToolUse) Name() string { return "tool_use" }

// Prepare implements Strategy.
func (s *ToolUse) Prepare(t task.Task, j judge.Judge) error {
	if s.client.Tools() == nil || s.client.Tools().Len() == 0 {
		return errors.New("tool-use strategy requires a client with registered tools")
	}
	if s.maxTurns < 1 {
		return fmt.Errorf("max_turns must be at least 1, got %d", s.maxTurns)
	}
	s.judge = j
	s.desc = t.Description()
	if j != nil {
		s.desc = j.FormatDescription(s.desc)
	}
	return nil
}

// Solve implements Strategy.
//
// Description:
//
//	Each turn either carries tool calls, which are dispatched and fed
//	back as tool results, or a candidate final answer, which the
//	judge tries to interpret. An uninterpretable candidate is
//	re-prompted up to checkWork times. Running out of turns fails
//	the sample.
func (s *ToolUse) Solve(ctx context.Context, p Problem) (*Result, error) {
	messages := []chat.Message{chat.User(p.Question)}
	if s.desc != "" {
		messages = []chat.Message{chat.System(s.desc), chat.User(p.Question)}
	}
	d := s.client.MultiTurn(messages, client.Params{
		Seed:      seedParam(p.Seed),
		WithTools: true,
	}, s.maxTurns-1)

	checksLeft := s.checkWork
	toolTurns := 0
	for {
		_, err := d.Next(ctx)
		if errors.Is(err, client.ErrTurnsExhausted) {
			return nil, failf(ErrExceededRetries, "no final answer within %d turns", s.maxTurns)
		}
		if err != nil {
			return nil, err
		}

		last := d.Last()
		if len(last.ToolCalls) > 0 {
			toolTurns++
			if err := d.ResolveToolCalls(ctx, p.Seed); err != nil {
				return nil, err
			}
			continue
		}

		candidate := strings.TrimSpace(last.Text())
		if s.judge == nil {
			if candidate == "" {
				return nil, failf(ErrParsing, "empty final turn")
			}
			return &Result{Final: candidate, Info: map[string]any{"tool_turns": toolTurns}}, nil
		}

		decision, _, err := s.judge.Interpret(ctx, p.Question, last)
		if err == nil {
			return &Result{
				Final: candidate,
				Info: map[string]any{
					"decision":   fmt.Sprintf("%v", decision),
					"tool_turns": toolTurns,
				},
			}, nil
		}
		if !errors.Is(err, judge.ErrNoDecision) {
			return nil, err
		}
		if checksLeft == 0 {
			return nil, failf(ErrParsing, "candidate answer not interpretable after %d checks", s.checkWork)
		}
		checksLeft--
		slog.Debug("Re-prompting for a final answer", slog.Int("checks_left", checksLeft))
		d.Append(chat.User(checkWorkPrompt))
	}
}

// StatsScope implements StatsCollector.
func (s *ToolUse) StatsScope() *client.Scope { return s.client.StatsScope() }
