// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package judge turns raw model responses into decisions and
// pass/fail verdicts. A judge may itself call a model with a
// constrained grammar.
package judge

import (
	"context"
	"errors"
	"sync"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/task"
)

var (
	// ErrNoDecision means the response could not be interpreted in
	// the task's answer domain. The sample fails but the run goes on.
	ErrNoDecision = errors.New("no decision could be extracted")

	// ErrUnsupportedSpec means Prepare rejected the task's answer
	// domain.
	ErrUnsupportedSpec = errors.New("unsupported task answer spec")
)

// Verdict is the outcome of judging one decision. Categorical judges
// set Correct; ranking judges set Metrics instead and Correct is
// whether any metric could be computed.
type Verdict struct {
	Correct bool               `json:"correct"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Status reports a judge's parse counters. A successful parse counts
// as a success regardless of whether the decision was correct.
type Status struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Judge interprets responses and scores decisions.
type Judge interface {
	// Prepare validates the task's answer domain.
	Prepare(spec task.Spec) error

	// FormatDescription may decorate the task description with
	// formatting instructions for the model.
	FormatDescription(desc string) string

	// Interpret parses the response into a decision, or returns
	// ErrNoDecision on parse failure.
	Interpret(ctx context.Context, question string, response *chat.Message) (decision any, info map[string]any, err error)

	// Judge scores a decision against the ground-truth answer.
	Judge(decision, answer any, info map[string]any) (*Verdict, error)

	// Status returns the parse counters.
	Status() Status
}

// counters is the shared parse bookkeeping embedded by the concrete
// judges.
type counters struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (c *counters) success() {
	c.mu.Lock()
	c.successes++
	c.mu.Unlock()
}

func (c *counters) failure() {
	c.mu.Lock()
	c.failures++
	c.mu.Unlock()
}

// Status implements the Judge counter accessor.
func (c *counters) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Successes: c.successes, Failures: c.failures}
}
