// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package strategy composes the client, parser, tools, templates, and
// search into problem-solving procedures. A strategy solves one
// problem instance at a time; the orchestrator drives it over a task.
package strategy

import (
	"context"

	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/judge"
	"github.com/AleutianAI/gauntlet/services/harness/task"
	"github.com/AleutianAI/gauntlet/services/harness/template"
)

// Problem is one instance handed to Solve. Seed makes the model calls
// reproducible; Side carries optional task hints.
type Problem struct {
	Question string
	Seed     int64
	Side     map[string]any
}

// Result is a solved instance: the final answer text plus free-form
// details for the sample record.
type Result struct {
	Final string
	Info  map[string]any
}

// Strategy is one problem-solving procedure.
type Strategy interface {
	// Name identifies the strategy in records and logs.
	Name() string

	// Prepare binds the strategy to a task and an optional judge.
	Prepare(t task.Task, j judge.Judge) error

	// Solve produces a final answer for one problem. Recoverable
	// failures wrap ErrStrategyFailure.
	Solve(ctx context.Context, p Problem) (*Result, error)
}

// Studier is implemented by strategies that run a one-time study
// phase before the evaluation loop.
type Studier interface {
	// Study produces per-task artifacts from the task context,
	// description, and spec.
	Study(ctx context.Context, taskContext, description string, spec task.Spec) (map[string]any, error)
}

// StatsCollector is implemented by strategies that can scope client
// statistics around a block of work.
type StatsCollector interface {
	StatsScope() *client.Scope
}

// fillKnown fills only the variables a template declares, so shared
// value maps can carry more keys than any one template uses.
func fillKnown(tpl *template.Template, values map[string]string) (string, error) {
	declared := tpl.Variables()
	subset := make(map[string]string, len(declared))
	for _, name := range declared {
		if v, ok := values[name]; ok {
			subset[name] = v
		}
	}
	return tpl.Fill(subset)
}

// seedParam converts a sample seed to request params form.
func seedParam(seed int64) *int {
	s := int(seed)
	return &s
}
