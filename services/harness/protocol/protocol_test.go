// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/client/testutil"
	"github.com/AleutianAI/gauntlet/services/harness/judge"
	"github.com/AleutianAI/gauntlet/services/harness/strategy"
	"github.com/AleutianAI/gauntlet/services/harness/task"
	"github.com/AleutianAI/gauntlet/services/harness/template"
)

// wetTask is a three-question yes/no corpus.
type wetTask struct{}

func (wetTask) Name() string        { return "wet" }
func (wetTask) Spec() task.Spec     { return task.Spec{Answer: "yes/no"} }
func (wetTask) Description() string { return "Answer the question." }
func (wetTask) TotalQuestions() int { return 3 }
func (wetTask) Generate(int64) (any, any, error) {
	return nil, nil, errors.New("not generative")
}
func (wetTask) Load(idx int, _ int64) (any, any, error) {
	if idx < 0 || idx >= 3 {
		return nil, nil, task.ErrOutOfRange
	}
	return fmt.Sprintf("Is water wet? (variant %d)", idx), "yes", nil
}
func (wetTask) Observe(problem any, _ int64) (string, map[string]any, error) {
	return problem.(string), nil, nil
}

func newProtocol(t *testing.T, turns []testutil.Turn, cfg Config) (*Protocol, *testutil.ScriptedBackend) {
	t.Helper()
	backend := testutil.NewScriptedBackend(turns...)
	c := client.New(backend, client.Config{Model: "test-model", MaxTokens: 128})
	strat := strategy.NewZeroShot(c, nil)
	p := New(wetTask{}, strat, judge.NewFinalAnswer(), cfg)
	if err := p.Prepare(); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	return p, backend
}

func TestProtocolEndToEnd(t *testing.T) {
	turns := []testutil.Turn{
		{Text: "Final answer: yes"},
		{Text: "Final answer: no"},
		{Text: "I refuse to answer."},
	}
	p, _ := newProtocol(t, turns, Config{Seed: 1234})
	ctx := context.Background()
	if err := p.PreLoop(ctx); err != nil {
		t.Fatalf("PreLoop() error = %v", err)
	}
	if err := p.Run(ctx, 0, 3); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	totals := p.PostLoop()
	if totals.Samples != 3 || totals.Correct != 1 || totals.Incorrect != 2 {
		t.Errorf("totals = %+v, want 3 samples, 1 correct, 2 incorrect", totals)
	}
	if totals.JudgeFailures != 1 {
		t.Errorf("JudgeFailures = %d, want 1", totals.JudgeFailures)
	}

	records := p.Records()
	if !records[0].Correct || records[1].Correct {
		t.Error("record correctness does not match the scripted answers")
	}
	if !records[2].Failed {
		t.Error("uninterpretable response should mark the sample failed")
	}

	status := p.Status()
	if status["judge_parse_failures"] != 1 {
		t.Errorf("status judge_parse_failures = %v, want 1", status["judge_parse_failures"])
	}
}

func TestProtocolCorrectIncorrectDisjoint(t *testing.T) {
	turns := []testutil.Turn{
		{Text: "Final answer: yes"},
		{Text: "Final answer: no"},
		{Text: "Final answer: yes"},
	}
	p, _ := newProtocol(t, turns, Config{Seed: 7})
	ctx := context.Background()
	if err := p.PreLoop(ctx); err != nil {
		t.Fatalf("PreLoop() error = %v", err)
	}
	if err := p.Run(ctx, 0, 3); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	agg := p.Aggregates()
	seen := make(map[int]bool)
	for _, idx := range agg.Correct {
		seen[idx] = true
	}
	for _, idx := range agg.Incorrect {
		if seen[idx] {
			t.Fatalf("index %d is in both correct and incorrect", idx)
		}
	}
	if len(agg.Correct)+len(agg.Incorrect) != 3 {
		t.Errorf("correct+incorrect = %d, want 3", len(agg.Correct)+len(agg.Incorrect))
	}
}

func TestProtocolDeterministicRecords(t *testing.T) {
	run := func() []byte {
		turns := []testutil.Turn{
			{Text: "Final answer: yes"},
			{Text: "Final answer: no"},
			{Text: "Final answer: yes"},
		}
		p, _ := newProtocol(t, turns, Config{Seed: 99})
		ctx := context.Background()
		if err := p.PreLoop(ctx); err != nil {
			t.Fatalf("PreLoop() error = %v", err)
		}
		if err := p.Run(ctx, 0, 3); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		data, err := MarshalRecords(p.Records())
		if err != nil {
			t.Fatalf("MarshalRecords() error = %v", err)
		}
		return data
	}
	if first, second := run(), run(); !bytes.Equal(first, second) {
		t.Error("two runs with the same master seed produced different records")
	}
}

func TestProtocolSeedChain(t *testing.T) {
	a := nextSeed(1234)
	b := nextSeed(a)
	if a == b {
		t.Error("consecutive seeds should differ")
	}
	if a != nextSeed(1234) {
		t.Error("nextSeed is not deterministic")
	}
	if a < 0 || a >= 1<<31 {
		t.Errorf("seed %d outside [0, 2^31)", a)
	}
}

func TestProtocolStopRequest(t *testing.T) {
	turns := []testutil.Turn{{Text: "Final answer: yes"}}
	p, backend := newProtocol(t, turns, Config{Seed: 5})
	ctx := context.Background()
	if err := p.PreLoop(ctx); err != nil {
		t.Fatalf("PreLoop() error = %v", err)
	}
	p.RequestStop()
	if err := p.Run(ctx, 0, 3); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run() error = %v, want ErrStopped", err)
	}
	if backend.Calls() != 0 {
		t.Errorf("backend calls = %d, want 0 after immediate stop", backend.Calls())
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	tpl := template.New("question", "{question}")
	turns := []testutil.Turn{
		{Text: "Final answer: yes"},
		{Text: "Final answer: no"},
	}
	p, _ := newProtocol(t, turns, Config{Seed: 11, Templates: []*template.Template{tpl}})
	ctx := context.Background()
	if err := p.PreLoop(ctx); err != nil {
		t.Fatalf("PreLoop() error = %v", err)
	}
	if err := p.Run(ctx, 0, 2); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := p.SaveCheckpoint(path); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	resumed, _ := newProtocol(t, nil, Config{Seed: 11, Templates: []*template.Template{tpl}})
	if err := resumed.LoadCheckpoint(path, false); err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if resumed.NextIndex() != 2 {
		t.Errorf("NextIndex() = %d, want 2", resumed.NextIndex())
	}
	if got := resumed.Aggregates(); len(got.Correct) != 1 || len(got.Incorrect) != 1 {
		t.Errorf("resumed aggregates = %+v", got)
	}
}

func TestCheckpointRefusesDrift(t *testing.T) {
	tpl := template.New("question", "{question}")
	p, _ := newProtocol(t, []testutil.Turn{{Text: "Final answer: yes"}},
		Config{Seed: 11, Templates: []*template.Template{tpl}})
	ctx := context.Background()
	if err := p.PreLoop(ctx); err != nil {
		t.Fatalf("PreLoop() error = %v", err)
	}
	if err := p.Run(ctx, 0, 1); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := p.SaveCheckpoint(path); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	changed := template.New("question", "{question} (changed)")
	resumed, _ := newProtocol(t, nil, Config{Seed: 11, Templates: []*template.Template{changed}})
	if err := resumed.LoadCheckpoint(path, false); !errors.Is(err, ErrCheckpointDrift) {
		t.Fatalf("LoadCheckpoint() error = %v, want ErrCheckpointDrift", err)
	}
	if err := resumed.LoadCheckpoint(path, true); err != nil {
		t.Fatalf("LoadCheckpoint(unsafe) error = %v", err)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	store, err := OpenStore(path, "run-1")
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	records := []SampleRecord{
		{Index: 0, Seed: 42, Question: "q0", Response: "yes", Decision: "yes", Correct: true},
		{Index: 1, Seed: 43, Question: "q1", Failed: true, Error: "strategy failure: parsing",
			Metrics: map[string]float64{"auc": 0.5}},
	}
	for i := range records {
		if err := store.Append(&records[i]); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Load() returned %d records, want 2", len(loaded))
	}
	if !loaded[0].Correct || loaded[0].Decision != "yes" {
		t.Errorf("record 0 = %+v", loaded[0])
	}
	if !loaded[1].Failed || loaded[1].Metrics["auc"] != 0.5 {
		t.Errorf("record 1 = %+v", loaded[1])
	}

	// Re-appending an index overwrites instead of duplicating.
	records[0].Response = "no"
	if err := store.Append(&records[0]); err != nil {
		t.Fatalf("Append() overwrite error = %v", err)
	}
	loaded, err = store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 2 || loaded[0].Response != "no" {
		t.Errorf("overwrite failed: %+v", loaded)
	}
}
