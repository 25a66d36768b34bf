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
	"math/rand"
	"sort"
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/judge"
	"github.com/AleutianAI/gauntlet/services/harness/task"
)

// MajorityVote wraps a base strategy and runs it n times with
// deterministic sub-seeds, tallying the judge's interpretation of
// each vote. Any non-singleton top set is a tie and fails the sample.
type MajorityVote struct {
	base  Strategy
	judge judge.Judge
	votes int
}

// NewMajorityVote wraps a base strategy.
func NewMajorityVote(base Strategy, votes int) *MajorityVote {
	return &MajorityVote{base: base, votes: votes}
}

// Name implements Strategy.
func (s *MajorityVote) Name() string {
	return fmt.Sprintf("majority_%d_%s", s.votes, s.base.Name())
}

// Prepare implements Strategy. The judge is required since it
// interprets each vote.
func (s *MajorityVote) Prepare(t task.Task, j judge.Judge) error {
	if j == nil {
		return errors.New("majority vote requires a judge")
	}
	if s.votes < 1 {
		return fmt.Errorf("majority vote needs at least 1 vote, got %d", s.votes)
	}
	s.judge = j
	return s.base.Prepare(t, j)
}

// Solve implements Strategy.
//
// Description:
//
//	Sub-seeds derive from a single generator seeded with the sample
//	seed, so the vote order is reproducible. A vote whose solve or
//	interpretation fails recoverably counts as no decision. The
//	winner needs a strict plurality; a tie or a unanimous no-decision
//	fails the sample.
func (s *MajorityVote) Solve(ctx context.Context, p Problem) (*Result, error) {
	rng := rand.New(rand.NewSource(p.Seed))

	tally := make(map[string]int)
	finals := make(map[string]string)
	noDecision := 0

	for i := 0; i < s.votes; i++ {
		sub := rng.Int63n(1 << 31)
		res, err := s.base.Solve(ctx, Problem{Question: p.Question, Seed: sub, Side: p.Side})
		if err != nil {
			if errors.Is(err, ErrStrategyFailure) {
				slog.Debug("Vote failed recoverably", slog.Int("vote", i), slog.Any("error", err))
				noDecision++
				continue
			}
			return nil, err
		}

		msg := chat.Assistant(res.Final)
		decision, _, err := s.judge.Interpret(ctx, p.Question, &msg)
		if err != nil {
			if errors.Is(err, judge.ErrNoDecision) {
				noDecision++
				continue
			}
			return nil, err
		}
		key := fmt.Sprintf("%v", decision)
		tally[key]++
		if _, ok := finals[key]; !ok {
			finals[key] = res.Final
		}
	}

	if len(tally) == 0 {
		return nil, failf(ErrParsing, "no vote produced a decision (%d attempts)", s.votes)
	}

	top := 0
	for _, n := range tally {
		if n > top {
			top = n
		}
	}
	var winners []string
	for k, n := range tally {
		if n == top {
			winners = append(winners, k)
		}
	}
	if len(winners) != 1 {
		return nil, failf(ErrTie, "Tie in votes: %s", formatTally(tally))
	}

	winner := winners[0]
	return &Result{
		Final: finals[winner],
		Info: map[string]any{
			"decision":    winner,
			"tally":       tally,
			"no_decision": noDecision,
		},
	}, nil
}

// formatTally renders a tally as {a:2, b:1}, highest count first and
// alphabetical within a count.
func formatTally(tally map[string]int) string {
	keys := make([]string, 0, len(tally))
	for k := range tally {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if tally[keys[i]] != tally[keys[j]] {
			return tally[keys[i]] > tally[keys[j]]
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, tally[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
