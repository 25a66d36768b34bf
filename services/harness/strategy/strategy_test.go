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
	"strings"
	"testing"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/client/testutil"
	"github.com/AleutianAI/gauntlet/services/harness/judge"
	"github.com/AleutianAI/gauntlet/services/harness/task"
	"github.com/AleutianAI/gauntlet/services/harness/tools"
)

// yesNoTask is a minimal fixed task for strategy tests.
type yesNoTask struct{}

func (yesNoTask) Name() string        { return "yes_no" }
func (yesNoTask) Spec() task.Spec     { return task.Spec{Answer: "yes/no"} }
func (yesNoTask) Description() string { return "Answer the question." }
func (yesNoTask) TotalQuestions() int { return 1 }
func (yesNoTask) Generate(int64) (any, any, error) {
	return nil, nil, errors.New("not generative")
}
func (yesNoTask) Load(int, int64) (any, any, error) {
	return "Is water wet?", "yes", nil
}
func (yesNoTask) Observe(problem any, _ int64) (string, map[string]any, error) {
	return problem.(string), nil, nil
}

func newTestClient(t *testing.T, backend client.Backend, opts ...client.Option) *client.Client {
	t.Helper()
	return client.New(backend, client.Config{Model: "test-model", MaxTokens: 256}, opts...)
}

func preparedFinalAnswerJudge(t *testing.T) judge.Judge {
	t.Helper()
	j := judge.NewFinalAnswer()
	if err := j.Prepare(task.Spec{Answer: "yes/no"}); err != nil {
		t.Fatalf("judge Prepare() error = %v", err)
	}
	return j
}

func TestZeroShotSolve(t *testing.T) {
	backend := testutil.NewScriptedBackend(testutil.Turn{Text: "Final answer: yes"})
	s := NewZeroShot(newTestClient(t, backend), nil)
	if err := s.Prepare(yesNoTask{}, preparedFinalAnswerJudge(t)); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	res, err := s.Solve(context.Background(), Problem{Question: "Is water wet?", Seed: 7})
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if res.Final != "Final answer: yes" {
		t.Errorf("Final = %q", res.Final)
	}
	if backend.Calls() != 1 {
		t.Errorf("backend calls = %d, want 1", backend.Calls())
	}
	req := backend.Requests[0]
	if req.Seed == nil || *req.Seed != 7 {
		t.Errorf("request seed = %v, want 7", req.Seed)
	}
}

func TestZeroShotEmptyResponseFails(t *testing.T) {
	backend := testutil.NewScriptedBackend(testutil.Turn{Text: "   "})
	s := NewZeroShot(newTestClient(t, backend), nil)
	if err := s.Prepare(yesNoTask{}, nil); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	_, err := s.Solve(context.Background(), Problem{Question: "q"})
	if !errors.Is(err, ErrParsing) {
		t.Fatalf("Solve() error = %v, want ErrParsing", err)
	}
	if !errors.Is(err, ErrStrategyFailure) {
		t.Error("ErrParsing should wrap ErrStrategyFailure")
	}
}

func TestMajorityVoteWinner(t *testing.T) {
	turns := make([]testutil.Turn, 0, 5)
	for _, v := range []string{"yes", "yes", "no", "yes", "no"} {
		turns = append(turns, testutil.Turn{Text: "Final answer: " + v})
	}
	backend := testutil.NewScriptedBackend(turns...)
	base := NewZeroShot(newTestClient(t, backend), nil)
	s := NewMajorityVote(base, 5)
	if err := s.Prepare(yesNoTask{}, preparedFinalAnswerJudge(t)); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	res, err := s.Solve(context.Background(), Problem{Question: "Is water wet?", Seed: 42})
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if res.Info["decision"] != "yes" {
		t.Errorf("decision = %v, want yes", res.Info["decision"])
	}
	tally := res.Info["tally"].(map[string]int)
	if tally["yes"] != 3 || tally["no"] != 2 {
		t.Errorf("tally = %v, want yes:3 no:2", tally)
	}
}

func TestMajorityVoteTie(t *testing.T) {
	turns := make([]testutil.Turn, 0, 4)
	for _, v := range []string{"yes", "yes", "no", "no"} {
		turns = append(turns, testutil.Turn{Text: "Final answer: " + v})
	}
	backend := testutil.NewScriptedBackend(turns...)
	base := NewZeroShot(newTestClient(t, backend), nil)
	s := NewMajorityVote(base, 4)
	if err := s.Prepare(yesNoTask{}, preparedFinalAnswerJudge(t)); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	_, err := s.Solve(context.Background(), Problem{Question: "q", Seed: 1})
	if !errors.Is(err, ErrTie) {
		t.Fatalf("Solve() error = %v, want ErrTie", err)
	}
	if !strings.Contains(err.Error(), "Tie in votes: {no:2, yes:2}") {
		t.Errorf("tie message = %q", err.Error())
	}
}

func TestMajorityVoteUnanimousNoDecision(t *testing.T) {
	turns := []testutil.Turn{
		{Text: "hmm"}, {Text: "not sure"}, {Text: "who knows"},
	}
	backend := testutil.NewScriptedBackend(turns...)
	base := NewZeroShot(newTestClient(t, backend), nil)
	s := NewMajorityVote(base, 3)
	if err := s.Prepare(yesNoTask{}, preparedFinalAnswerJudge(t)); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	_, err := s.Solve(context.Background(), Problem{Question: "q", Seed: 1})
	if !errors.Is(err, ErrParsing) {
		t.Fatalf("Solve() error = %v, want ErrParsing", err)
	}
}

func TestMajorityVoteSubSeedsDeterministic(t *testing.T) {
	run := func() []int {
		turns := make([]testutil.Turn, 3)
		for i := range turns {
			turns[i] = testutil.Turn{Text: "Final answer: yes"}
		}
		backend := testutil.NewScriptedBackend(turns...)
		base := NewZeroShot(newTestClient(t, backend), nil)
		s := NewMajorityVote(base, 3)
		if err := s.Prepare(yesNoTask{}, preparedFinalAnswerJudge(t)); err != nil {
			t.Fatalf("Prepare() error = %v", err)
		}
		if _, err := s.Solve(context.Background(), Problem{Question: "q", Seed: 99}); err != nil {
			t.Fatalf("Solve() error = %v", err)
		}
		seeds := make([]int, len(backend.Requests))
		for i, req := range backend.Requests {
			seeds[i] = *req.Seed
		}
		return seeds
	}
	first, second := run(), run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("sub-seeds differ at vote %d: %d vs %d", i, first[i], second[i])
		}
	}
}

func TestToolUseSolve(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(&tools.Func{
		ToolName: "get_weather",
		Desc:     "Current weather for a city.",
		Params:   chat.ToolSchema{Name: "get_weather", Parameters: []byte(`{"type":"object"}`)},
		Fn: func(_ context.Context, args map[string]any, _ int64) (string, error) {
			if args["city"] != "Dallas" {
				return "", tools.Errorf("unknown city %v", args["city"])
			}
			return `{"temp":31}`, nil
		},
	})

	callMsg := chat.Message{
		Role: chat.RoleAssistant,
		ToolCalls: []chat.ToolCall{{
			ID:   "call-1",
			Type: "function",
			Function: chat.FunctionCall{
				Name:      "get_weather",
				Arguments: `{"city":"Dallas","country":"USA"}`,
			},
		}},
	}
	backend := testutil.NewScriptedBackend(
		testutil.Turn{Message: &callMsg, FinishReason: "tool_calls"},
		testutil.Turn{Text: "Final answer: yes"},
	)
	c := newTestClient(t, backend, client.WithTools(reg))
	s := NewToolUse(c, 4, 1)
	if err := s.Prepare(yesNoTask{}, preparedFinalAnswerJudge(t)); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	res, err := s.Solve(context.Background(), Problem{Question: "Is it above 30C in Dallas?", Seed: 3})
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if res.Info["decision"] != "yes" {
		t.Errorf("decision = %v, want yes", res.Info["decision"])
	}
	if res.Info["tool_turns"] != 1 {
		t.Errorf("tool_turns = %v, want 1", res.Info["tool_turns"])
	}

	// The second request must carry the tool result back to the model.
	second := backend.Requests[1]
	found := false
	for _, m := range second.Messages {
		if m.Role == chat.RoleTool && strings.Contains(m.Text(), `"temp":31`) {
			found = true
		}
	}
	if !found {
		t.Error("second request is missing the tool result message")
	}
}

func TestToolUseMaxTurnsExceeded(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(&tools.Func{
		ToolName: "noop",
		Desc:     "does nothing",
		Params:   chat.ToolSchema{Name: "noop", Parameters: []byte(`{"type":"object"}`)},
		Fn: func(context.Context, map[string]any, int64) (string, error) {
			return "ok", nil
		},
	})
	turns := make([]testutil.Turn, 3)
	for i := range turns {
		msg := chat.Message{
			Role: chat.RoleAssistant,
			ToolCalls: []chat.ToolCall{{
				ID: "c", Type: "function",
				Function: chat.FunctionCall{Name: "noop", Arguments: "{}"},
			}},
		}
		turns[i] = testutil.Turn{Message: &msg, FinishReason: "tool_calls"}
	}
	backend := testutil.NewScriptedBackend(turns...)
	c := newTestClient(t, backend, client.WithTools(reg))
	s := NewToolUse(c, 3, 0)
	if err := s.Prepare(yesNoTask{}, preparedFinalAnswerJudge(t)); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	_, err := s.Solve(context.Background(), Problem{Question: "q"})
	if !errors.Is(err, ErrExceededRetries) {
		t.Fatalf("Solve() error = %v, want ErrExceededRetries", err)
	}
}

func TestFormatTally(t *testing.T) {
	got := formatTally(map[string]int{"a": 2, "b": 2, "c": 1})
	if got != "{a:2, b:2, c:1}" {
		t.Errorf("formatTally() = %q", got)
	}
}
