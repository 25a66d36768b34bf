// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package task defines the contract between the evaluation loop and a
// question catalog. Concrete task content (chess puzzles, recommender
// impressions, LiveBench subtasks) lives outside this module; the
// harness only needs the interfaces here.
package task

import (
	"encoding/json"
	"errors"
)

// ErrOutOfRange is returned by Load for an index past the catalog.
var ErrOutOfRange = errors.New("task index out of range")

// Spec declares the answer domain of a task. Exactly one of Answer,
// Metrics, or Schema is normally set.
type Spec struct {
	// Answer is a categorical answer tag such as "yes/no" or "option".
	Answer string `json:"answer,omitempty"`

	// Metrics names the ranking metrics a scoring judge computes,
	// e.g. ["ndcg@12", "ndcg@6", "map", "auc"].
	Metrics []string `json:"metrics,omitempty"`

	// Schema constrains structured final answers.
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Task is one question catalog.
//
// Description:
//
//	A task either generates problems from a seed (TotalQuestions
//	returns 0) or loads them by index from a fixed corpus. Observe
//	turns a problem into the question text shown to the model, plus
//	optional side information the strategy may use.
type Task interface {
	// Name identifies the task in records and logs.
	Name() string

	// Spec declares the answer domain.
	Spec() Spec

	// Description is the natural-language task framing given to the
	// model before any question.
	Description() string

	// TotalQuestions is the corpus size, or 0 for generative tasks.
	TotalQuestions() int

	// Generate produces (problem, answer) from a seed. Only called
	// when TotalQuestions is 0.
	Generate(seed int64) (problem, answer any, err error)

	// Load fetches (problem, answer) by corpus index.
	Load(idx int, seed int64) (problem, answer any, err error)

	// Observe renders the question text for a problem. Side
	// information is optional hints not required for correctness.
	Observe(problem any, seed int64) (question string, side map[string]any, err error)
}

// Correcter is implemented by tasks that score responses themselves
// instead of delegating to a judge.
type Correcter interface {
	Correct(response string, answer any) (bool, error)
}

// DevExampler is implemented by tasks that expose held-out examples
// for few-shot prompting.
type DevExampler interface {
	// DevExample returns the i-th development (question, answer) pair.
	DevExample(i int) (question, answer string, err error)
}
