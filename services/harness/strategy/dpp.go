// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/judge"
	"github.com/AleutianAI/gauntlet/services/harness/sandbox"
	"github.com/AleutianAI/gauntlet/services/harness/search"
	"github.com/AleutianAI/gauntlet/services/harness/task"
	"github.com/AleutianAI/gauntlet/services/harness/template"
)

// Study-phase and solve-phase prompts. Callers may swap in their own
// templates with the same variables.
var (
	DefaultExpandTemplate = template.New("dpp_expand",
		"{context}\n\nTask: {description}\n\nWrite a Python function `expand(state)` that returns the list of successor states of `state` for this task. Send it in a single python block.")

	DefaultRepresentationTemplate = template.New("dpp_representation",
		"Describe in plain language the representation of `state` your `expand` function expects: its type, fields, and what each means.")

	DefaultValidationTemplate = template.New("dpp_validation",
		"Define {n} validation pairs for `expand` in a single python block: variables input_state1..input_state{n} and output_state1..output_state{n}, where output_stateN == expand(input_stateN).")

	DefaultStateTemplate = template.New("dpp_state",
		"Question: {question}\n\nUsing the state representation ({representation}), define a variable `state` holding the initial state for this question. Send it in a single python block.")

	DefaultExtractTemplate = template.New("dpp_extract",
		"Write a Python function `extract(path)` that inspects a list of states `path` and returns a short report string when the path answers the question, or None otherwise. Send it in a single python block.")

	DefaultAnswerTemplate = template.New("dpp_answer",
		"Question: {question}\n\nA search over the problem's state space produced these reports:\n{reports}\n\nGive the final answer to the question.")
)

// DPPConfig tunes the formalize-then-search strategy.
type DPPConfig struct {
	// MaxRetries bounds each find-py-object loop.
	MaxRetries int

	// NumValidation is the number of input/output pairs requested
	// during study.
	NumValidation int

	// Fuel bounds the number of search expansions.
	Fuel int

	// Order is the search order, BFS by default.
	Order search.Order

	// MaxDepth caps search path length; 0 means unbounded.
	MaxDepth int

	// CheckFirst delays the first extract call.
	CheckFirst int

	// Markovian passes only the current state to extract.
	Markovian bool
}

// DefaultDPPConfig returns the stock configuration.
func DefaultDPPConfig() DPPConfig {
	return DPPConfig{
		MaxRetries:    3,
		NumValidation: 3,
		Fuel:          100,
		Order:         search.BFS,
	}
}

// DPP is the formalize-then-search strategy: the model emits
// executable expand/extract functions, they are validated against
// model-generated examples, and a bounded graph search runs on the
// model-defined state space.
type DPP struct {
	client *client.Client
	sess   *sandbox.Session
	cfg    DPPConfig
	desc   string

	representation string
	studied        bool
}

// NewDPP creates the strategy around a sandbox session. The session
// holds expand/extract across the whole run, so one DPP instance owns
// one session.
func NewDPP(c *client.Client, sess *sandbox.Session, cfg DPPConfig) *DPP {
	return &DPP{client: c, sess: sess, cfg: cfg}
}

// Name implements Strategy.
func (s *DPP) Name() string { return "dpp" }

// Prepare implements Strategy.
func (s *DPP) Prepare(t task.Task, j judge.Judge) error {
	if s.cfg.Fuel <= 0 {
		return fmt.Errorf("dpp fuel must be positive, got %d", s.cfg.Fuel)
	}
	s.desc = t.Description()
	if j != nil {
		s.desc = j.FormatDescription(s.desc)
	}
	return nil
}

// Study implements Studier: it obtains expand, a state-representation
// description, and validation pairs, then checks the pairs by running
// expand on each input.
//
// Missing and failing pairs are tallied in the artifacts but do not
// abort the study.
func (s *DPP) Study(ctx context.Context, taskContext, description string, _ task.Spec) (map[string]any, error) {
	if description == "" {
		description = s.desc
	}

	prompt, err := fillKnown(DefaultExpandTemplate, map[string]string{
		"context":     taskContext,
		"description": description,
	})
	if err != nil {
		return nil, err
	}
	expandOutcome, err := FindPyObject(ctx, s.client, s.sess, prompt, "expand", FindConfig{MaxRetries: s.cfg.MaxRetries})
	if err != nil {
		return nil, err
	}

	repPrompt, err := DefaultRepresentationTemplate.Fill(nil)
	if err != nil {
		return nil, err
	}
	messages := append(expandOutcome.Messages, chat.User(repPrompt))
	repResp, err := s.client.Send(ctx, s.client.WrapChat(messages, client.Params{}))
	if err != nil {
		return nil, err
	}
	s.representation = strings.TrimSpace(repResp.First().Text())

	valPrompt, err := DefaultValidationTemplate.Fill(map[string]string{
		"n": fmt.Sprintf("%d", s.cfg.NumValidation),
	})
	if err != nil {
		return nil, err
	}
	_, err = FindPyObject(ctx, s.client, s.sess, valPrompt, "input_state1", FindConfig{MaxRetries: s.cfg.MaxRetries})
	if err != nil {
		return nil, err
	}

	missing, failed, err := s.validatePairs(ctx)
	if err != nil {
		return nil, err
	}
	s.studied = true

	slog.Info("DPP study complete",
		slog.Int("expand_retries", expandOutcome.Retries),
		slog.Int("examples_missing", len(missing)),
		slog.Int("examples_failed", len(failed)),
	)
	return map[string]any{
		"representation":   s.representation,
		"expand_retries":   expandOutcome.Retries,
		"examples_missing": missing,
		"examples_failed":  failed,
	}, nil
}

// validatePairs runs expand on each present input pair and compares
// the result to the declared output.
func (s *DPP) validatePairs(ctx context.Context) (missing, failed []string, err error) {
	missing = []string{}
	failed = []string{}
	for i := 1; i <= s.cfg.NumValidation; i++ {
		inName := fmt.Sprintf("input_state%d", i)
		outName := fmt.Sprintf("output_state%d", i)

		inBound, err := s.sess.Has(ctx, inName)
		if err != nil {
			return nil, nil, err
		}
		outBound, err := s.sess.Has(ctx, outName)
		if err != nil {
			return nil, nil, err
		}
		if !inBound || !outBound {
			missing = append(missing, inName)
			continue
		}

		input, err := s.sess.Get(ctx, inName)
		if err != nil {
			return nil, nil, err
		}
		want, err := s.sess.Get(ctx, outName)
		if err != nil {
			return nil, nil, err
		}
		got, err := s.sess.Call(ctx, "expand", input)
		if err != nil {
			failed = append(failed, inName)
			continue
		}
		if !jsonEqual(got, want) {
			failed = append(failed, inName)
		}
	}
	return missing, failed, nil
}

// Solve implements Strategy: estimate the initial state, synthesize
// extract, smoke-test both, search, and answer from the reports.
func (s *DPP) Solve(ctx context.Context, p Problem) (*Result, error) {
	statePrompt, err := fillKnown(DefaultStateTemplate, map[string]string{
		"question":       p.Question,
		"representation": s.representation,
	})
	if err != nil {
		return nil, err
	}
	params := client.Params{Seed: seedParam(p.Seed)}
	stateOutcome, err := FindPyObject(ctx, s.client, s.sess, statePrompt, "state", FindConfig{
		MaxRetries: s.cfg.MaxRetries, Params: params,
	})
	if err != nil {
		return nil, err
	}
	initial, err := s.sess.Get(ctx, "state")
	if err != nil {
		return nil, err
	}

	extractPrompt, err := DefaultExtractTemplate.Fill(nil)
	if err != nil {
		return nil, err
	}
	extractOutcome, err := FindPyObject(ctx, s.client, s.sess, extractPrompt, "extract", FindConfig{
		MaxRetries: s.cfg.MaxRetries, Params: params,
	})
	if err != nil {
		return nil, err
	}

	// Smoke test before burning fuel: one expand call and one extract
	// call on the trivial path.
	if _, err := s.sess.Call(ctx, "expand", initial); err != nil {
		return nil, failf(ErrStrategyFailure, "smoke test: expand(state): %v", err)
	}
	if _, err := s.sess.Call(ctx, "extract", jsonArray(initial)); err != nil {
		return nil, failf(ErrStrategyFailure, "smoke test: extract([state]): %v", err)
	}

	reports, err := search.Run(ctx, search.State(initial), s.expandFunc(), s.extractFunc(), search.Options{
		Order:      s.cfg.Order,
		Markovian:  s.cfg.Markovian,
		Fuel:       s.cfg.Fuel,
		CheckFirst: s.cfg.CheckFirst,
		MaxDepth:   s.cfg.MaxDepth,
	})
	if err != nil {
		return nil, failf(ErrStrategyFailure, "search: %v", err)
	}

	joined := joinReports(reports)
	answerPrompt, err := DefaultAnswerTemplate.Fill(map[string]string{
		"question": p.Question,
		"reports":  joined,
	})
	if err != nil {
		return nil, err
	}
	var messages []chat.Message
	if s.desc != "" {
		messages = append(messages, chat.System(s.desc))
	}
	messages = append(messages, chat.User(answerPrompt))
	resp, err := s.client.Send(ctx, s.client.WrapChat(messages, params))
	if err != nil {
		return nil, err
	}
	final := strings.TrimSpace(resp.First().Text())
	if final == "" {
		return nil, failf(ErrParsing, "empty answer turn")
	}

	return &Result{
		Final: final,
		Info: map[string]any{
			"state_retries":   stateOutcome.Retries,
			"extract_retries": extractOutcome.Retries,
			"reports":         len(reports),
		},
	}, nil
}

// StatsScope implements StatsCollector.
func (s *DPP) StatsScope() *client.Scope { return s.client.StatsScope() }

// expandFunc bridges the sandboxed expand into the search contract.
// States travel as raw JSON.
func (s *DPP) expandFunc() search.ExpandFunc {
	return func(ctx context.Context, state search.State) ([]search.State, error) {
		raw, ok := state.(json.RawMessage)
		if !ok {
			return nil, fmt.Errorf("state is %T, want json.RawMessage", state)
		}
		out, err := s.sess.Call(ctx, "expand", raw)
		if err != nil {
			return nil, err
		}
		var children []json.RawMessage
		if err := json.Unmarshal(out, &children); err != nil {
			return nil, fmt.Errorf("expand returned non-list: %w", err)
		}
		states := make([]search.State, len(children))
		for i, c := range children {
			states[i] = c
		}
		return states, nil
	}
}

// extractFunc bridges the sandboxed extract. A Python None maps to a
// nil report.
func (s *DPP) extractFunc() search.ExtractFunc {
	return func(ctx context.Context, path []search.State) (search.Report, error) {
		raws := make([]json.RawMessage, len(path))
		for i, st := range path {
			raw, ok := st.(json.RawMessage)
			if !ok {
				return nil, fmt.Errorf("path state is %T, want json.RawMessage", st)
			}
			raws[i] = raw
		}
		out, err := s.sess.Call(ctx, "extract", jsonArray(raws...))
		if err != nil {
			return nil, err
		}
		if isJSONNull(out) {
			return nil, nil
		}
		return reportString(out), nil
	}
}

// jsonArray joins raw JSON values into one raw JSON array.
func jsonArray(items ...json.RawMessage) json.RawMessage {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = string(it)
	}
	return json.RawMessage("[" + strings.Join(parts, ",") + "]")
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || strings.TrimSpace(string(raw)) == "null"
}

// reportString renders a report value for the answer prompt, without
// quotes around plain strings.
func reportString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// joinReports renders all reports one per line.
func joinReports(reports []search.Report) string {
	lines := make([]string, len(reports))
	for i, r := range reports {
		lines[i] = fmt.Sprintf("%v", r)
	}
	return strings.Join(lines, "\n")
}

// jsonEqual compares two raw JSON values structurally.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
