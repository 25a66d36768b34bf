// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol orchestrates one (task, strategy, judge) triple
// over a range of question indices: seeding, per-sample invocation,
// aggregation, and checkpoint/resume.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/judge"
	"github.com/AleutianAI/gauntlet/services/harness/strategy"
	"github.com/AleutianAI/gauntlet/services/harness/task"
	"github.com/AleutianAI/gauntlet/services/harness/template"
)

// ErrStopped is returned by Run when an external stop was requested
// before all iterations finished.
var ErrStopped = errors.New("protocol stopped")

// SampleRecord is the append-only per-index result.
type SampleRecord struct {
	Index    int                `json:"index"`
	Seed     int64              `json:"seed"`
	Question string             `json:"question"`
	Response string             `json:"response,omitempty"`
	Decision string             `json:"decision,omitempty"`
	Correct  bool               `json:"correct"`
	Failed   bool               `json:"failed"`
	Error    string             `json:"error,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Info     map[string]any     `json:"info,omitempty"`
}

// Aggregate accumulates run totals. Correct and Incorrect are
// disjoint index sets.
type Aggregate struct {
	Correct          []int       `json:"correct"`
	Incorrect        []int       `json:"incorrect"`
	JudgeFailures    int         `json:"judge_failures"`
	RetriesHistogram map[int]int `json:"retries_histogram"`
}

// Totals is the sealed outcome of a run.
type Totals struct {
	Samples       int     `json:"samples"`
	Correct       int     `json:"correct"`
	Incorrect     int     `json:"incorrect"`
	JudgeFailures int     `json:"judge_failures"`
	Accuracy      float64 `json:"accuracy"`
}

// Config wires one protocol run.
type Config struct {
	// Seed is the master seed; every per-sample seed derives from it.
	Seed int64

	// Templates are hashed into checkpoints so a resume can detect
	// prompt drift.
	Templates []*template.Template

	// Store persists sample records when non-nil.
	Store *Store

	// Metrics publishes run counters when non-nil.
	Metrics *Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Protocol drives one evaluation run.
//
// Thread Safety: Run and Step must be called from one goroutine;
// RequestStop and Status may be called from any.
type Protocol struct {
	task  task.Task
	strat strategy.Strategy
	judge judge.Judge
	cfg   Config

	agg       Aggregate
	records   []SampleRecord
	artifacts map[string]any
	prevSeed  int64
	nextIdx   int
	prepared  bool
	stop      atomic.Bool
	logger    *slog.Logger
}

// New creates a protocol. The judge may be nil when the task scores
// itself through the task.Correcter interface.
func New(t task.Task, s strategy.Strategy, j judge.Judge, cfg Config) *Protocol {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		task:     t,
		strat:    s,
		judge:    j,
		cfg:      cfg,
		prevSeed: cfg.Seed,
		logger:   logger,
	}
}

// Prepare binds the judge and strategy to the task.
func (p *Protocol) Prepare() error {
	if p.judge != nil {
		if err := p.judge.Prepare(p.task.Spec()); err != nil {
			return fmt.Errorf("prepare judge: %w", err)
		}
	} else if _, ok := p.task.(task.Correcter); !ok {
		return errors.New("no judge and the task does not score itself")
	}
	if err := p.strat.Prepare(p.task, p.judge); err != nil {
		return fmt.Errorf("prepare strategy: %w", err)
	}
	p.prepared = true
	return nil
}

// Describe returns the run header used in logs and records.
func (p *Protocol) Describe() string {
	return fmt.Sprintf("task=%s strategy=%s seed=%d", p.task.Name(), p.strat.Name(), p.cfg.Seed)
}

// PreLoop runs the strategy's study phase (when it has one) and
// initializes the aggregates.
func (p *Protocol) PreLoop(ctx context.Context) error {
	if !p.prepared {
		return errors.New("PreLoop before Prepare")
	}
	p.agg = Aggregate{RetriesHistogram: make(map[int]int)}
	p.records = p.records[:0]

	if studier, ok := p.strat.(strategy.Studier); ok {
		artifacts, err := studier.Study(ctx, "", p.task.Description(), p.task.Spec())
		if err != nil {
			return fmt.Errorf("study: %w", err)
		}
		p.artifacts = artifacts
		p.logger.Info("Study phase complete", slog.Int("artifacts", len(artifacts)))
	}
	return nil
}

// Step evaluates one index and returns its record. Recoverable
// strategy failures are embedded in the record, not returned.
func (p *Protocol) Step(ctx context.Context, idx int) (*SampleRecord, error) {
	seed := nextSeed(p.prevSeed)
	p.prevSeed = seed
	p.nextIdx = idx + 1

	problem, answer, err := p.fetch(idx, seed)
	if err != nil {
		return nil, err
	}
	question, side, err := p.task.Observe(problem, seed)
	if err != nil {
		return nil, fmt.Errorf("observe index %d: %w", idx, err)
	}

	record := SampleRecord{Index: idx, Seed: seed, Question: question}
	start := time.Now()

	res, err := p.strat.Solve(ctx, strategy.Problem{Question: question, Seed: seed, Side: side})
	if err != nil {
		if !recoverable(err) {
			return nil, fmt.Errorf("solve index %d: %w", idx, err)
		}
		record.Failed = true
		record.Error = err.Error()
		p.finishSample(&record, time.Since(start))
		return &record, nil
	}
	record.Response = res.Final
	record.Info = res.Info
	p.tallyRetries(res.Info)

	p.score(ctx, &record, answer)
	p.finishSample(&record, time.Since(start))
	return &record, nil
}

// Run evaluates indices [from, to). An external stop prevents the
// next iteration from starting; the in-flight sample completes and is
// recorded.
func (p *Protocol) Run(ctx context.Context, from, to int) error {
	for idx := from; idx < to; idx++ {
		if p.stop.Load() {
			p.logger.Info("Stop requested, ending run", slog.Int("next_index", idx))
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := p.Step(ctx, idx)
		if err != nil {
			return err
		}
		p.logger.Info("Sample finished",
			slog.Int("index", record.Index),
			slog.Bool("correct", record.Correct),
			slog.Bool("failed", record.Failed),
		)
	}
	return nil
}

// PostLoop seals the aggregates into final totals.
func (p *Protocol) PostLoop() Totals {
	totals := Totals{
		Samples:       len(p.records),
		Correct:       len(p.agg.Correct),
		Incorrect:     len(p.agg.Incorrect),
		JudgeFailures: p.agg.JudgeFailures,
	}
	if totals.Samples > 0 {
		totals.Accuracy = float64(totals.Correct) / float64(totals.Samples)
	}
	return totals
}

// RequestStop asks the run loop to halt before the next iteration.
func (p *Protocol) RequestStop() { p.stop.Store(true) }

// Status reports run progress and judge health.
func (p *Protocol) Status() map[string]any {
	status := map[string]any{
		"samples":        len(p.records),
		"correct":        len(p.agg.Correct),
		"incorrect":      len(p.agg.Incorrect),
		"judge_failures": p.agg.JudgeFailures,
		"next_index":     p.nextIdx,
	}
	if p.judge != nil {
		js := p.judge.Status()
		status["judge_successes"] = js.Successes
		status["judge_parse_failures"] = js.Failures
	}
	return status
}

// Records exposes the append-only sample records.
func (p *Protocol) Records() []SampleRecord { return p.records }

// Aggregates exposes the current aggregate state.
func (p *Protocol) Aggregates() Aggregate { return p.agg }

// fetch picks Generate or Load depending on the task shape.
func (p *Protocol) fetch(idx int, seed int64) (problem, answer any, err error) {
	if p.task.TotalQuestions() == 0 {
		problem, answer, err = p.task.Generate(seed)
	} else {
		problem, answer, err = p.task.Load(idx, seed)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("fetch index %d: %w", idx, err)
	}
	return problem, answer, nil
}

// score fills Decision/Correct/Metrics on the record via the task's
// own scorer or the judge.
func (p *Protocol) score(ctx context.Context, record *SampleRecord, answer any) {
	if corrector, ok := p.task.(task.Correcter); ok {
		correct, err := corrector.Correct(record.Response, answer)
		if err != nil {
			record.Failed = true
			record.Error = err.Error()
			return
		}
		record.Correct = correct
		return
	}

	msg := chat.Assistant(record.Response)
	decision, info, err := p.judge.Interpret(ctx, record.Question, &msg)
	if err != nil {
		p.agg.JudgeFailures++
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.IncJudgeFailure()
		}
		record.Failed = true
		record.Error = err.Error()
		return
	}
	record.Decision = fmt.Sprintf("%v", decision)

	verdict, err := p.judge.Judge(decision, answer, info)
	if err != nil {
		p.agg.JudgeFailures++
		record.Failed = true
		record.Error = err.Error()
		return
	}
	record.Correct = verdict.Correct
	record.Metrics = verdict.Metrics
}

// finishSample appends the record to the aggregates, the store, and
// the metrics.
func (p *Protocol) finishSample(record *SampleRecord, elapsed time.Duration) {
	if record.Correct {
		p.agg.Correct = append(p.agg.Correct, record.Index)
	} else {
		p.agg.Incorrect = append(p.agg.Incorrect, record.Index)
	}
	p.records = append(p.records, *record)

	if p.cfg.Store != nil {
		if err := p.cfg.Store.Append(record); err != nil {
			p.logger.Warn("Failed to persist sample record", slog.Any("error", err))
		}
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ObserveSample(record, elapsed)
	}
}

// tallyRetries folds any *_retries counts from the solve info into
// the histogram.
func (p *Protocol) tallyRetries(info map[string]any) {
	total := 0
	for key, v := range info {
		if !strings.HasSuffix(key, "retries") {
			continue
		}
		if n, ok := v.(int); ok {
			total += n
		}
	}
	p.agg.RetriesHistogram[total]++
}

// nextSeed derives the next sample seed from the previous one, so a
// resumed run continues the same sequence.
func nextSeed(prev int64) int64 {
	return rand.New(rand.NewSource(prev)).Int63n(1 << 31)
}

// recoverable reports whether a solve error should fail the sample
// instead of aborting the run.
func recoverable(err error) bool {
	return errors.Is(err, strategy.ErrStrategyFailure) || errors.Is(err, client.ErrBudget)
}

// MarshalRecords renders records as deterministic JSON lines.
func MarshalRecords(records []SampleRecord) ([]byte, error) {
	var sb strings.Builder
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return []byte(sb.String()), nil
}
