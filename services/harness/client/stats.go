// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"time"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

// Extremes carries min/mean/max of one per-turn quantity.
type Extremes struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
}

// Summary aggregates a slice of the stats history.
type Summary struct {
	Requests        int            `json:"requests"`
	InputTokens     int            `json:"input_tokens"`
	OutputTokens    int            `json:"output_tokens"`
	TotalDuration   time.Duration  `json:"total_duration"`
	Seconds         Extremes       `json:"seconds"`
	TokensPerSecond Extremes       `json:"tokens_per_second"`
	ToolCalls       map[string]int `json:"tool_calls,omitempty"`
}

// Stats summarizes the history from entry index from onward.
func (c *Client) Stats(from int) Summary {
	history := c.History()
	if from < 0 {
		from = 0
	}
	if from > len(history) {
		from = len(history)
	}
	return Summarize(history[from:])
}

// Summarize folds stats entries into a summary. Open entries count
// toward tokens but not timing.
func Summarize(entries []chat.CallStats) Summary {
	s := Summary{Requests: len(entries)}
	var secs, tps []float64
	for _, e := range entries {
		s.InputTokens += e.InputTokens
		s.OutputTokens += e.OutputTokens
		for name, n := range e.ToolCalls {
			if s.ToolCalls == nil {
				s.ToolCalls = make(map[string]int)
			}
			s.ToolCalls[name] += n
		}
		if e.End.IsZero() {
			continue
		}
		d := e.Duration()
		s.TotalDuration += d
		secs = append(secs, d.Seconds())
		tps = append(tps, e.TokensPerSecond())
	}
	s.Seconds = extremesOf(secs)
	s.TokensPerSecond = extremesOf(tps)
	return s
}

func extremesOf(xs []float64) Extremes {
	if len(xs) == 0 {
		return Extremes{}
	}
	e := Extremes{Min: xs[0], Max: xs[0]}
	sum := 0.0
	for _, x := range xs {
		if x < e.Min {
			e.Min = x
		}
		if x > e.Max {
			e.Max = x
		}
		sum += x
	}
	e.Mean = sum / float64(len(xs))
	return e
}

// Scope is a scoped stats acquisition: it snapshots the history length
// at creation and diffs at Close. Close is safe to call exactly once,
// typically via defer so the scope releases even on error paths.
type Scope struct {
	client *Client
	from   int
}

// StatsScope opens a scope over the client's history.
func (c *Client) StatsScope() *Scope {
	return &Scope{client: c, from: len(c.History())}
}

// Close seals the scope and returns the summary of everything the
// client did inside it.
func (s *Scope) Close() Summary {
	return s.client.Stats(s.from)
}
