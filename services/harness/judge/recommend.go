// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
	"github.com/AleutianAI/gauntlet/services/harness/client"
	"github.com/AleutianAI/gauntlet/services/harness/task"
)

// Relevance is the ground truth for one recommender impression:
// the candidate slate shown to the model and which items the user
// actually clicked.
type Relevance struct {
	Candidates []string `json:"candidates"`
	Clicked    []string `json:"clicked"`
}

// rankingSchema constrains the two-step reformat turn.
var rankingSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"ranking": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["ranking"]
}`)

// jsonArrayPattern finds the last bracketed array in free text.
var jsonArrayPattern = regexp.MustCompile(`\[[^\[\]]*\]`)

// Recommender scores a model-produced ranking of candidate items.
// The one-step form parses the ranking straight out of the response;
// see TwoStepRecommender for the reformat variant.
type Recommender struct {
	counters
	metrics []string
}

// NewRecommender creates the one-step ranking judge.
func NewRecommender() *Recommender {
	return &Recommender{}
}

// Prepare implements Judge. Every requested metric name must parse.
func (j *Recommender) Prepare(spec task.Spec) error {
	if len(spec.Metrics) == 0 {
		return fmt.Errorf("%w: recommender judge needs a metric list", ErrUnsupportedSpec)
	}
	for _, name := range spec.Metrics {
		if _, _, err := parseMetricName(name); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedSpec, err)
		}
	}
	j.metrics = spec.Metrics
	return nil
}

// FormatDescription implements Judge.
func (j *Recommender) FormatDescription(desc string) string {
	return desc + "\nRank the candidate items from most to least relevant and give the ranking as a JSON list of item ids."
}

// Interpret implements Judge by extracting an ordered item-id list.
func (j *Recommender) Interpret(_ context.Context, _ string, response *chat.Message) (any, map[string]any, error) {
	ranking, err := parseRanking(response.Text())
	if err != nil {
		j.failure()
		return nil, nil, err
	}
	j.success()
	return ranking, map[string]any{"ranking_len": len(ranking)}, nil
}

// Judge implements Judge by computing the requested ranking metrics.
func (j *Recommender) Judge(decision, answer any, _ map[string]any) (*Verdict, error) {
	return scoreRanking(decision, answer, j.metrics)
}

// TwoStepRecommender first asks the primary model to re-express its
// free-form answer as strict JSON, then scores the ranking. The
// reformat turn replays the original exchange so the model sees its
// own answer.
type TwoStepRecommender struct {
	counters
	primary *client.Client
	metrics []string
}

// NewTwoStepRecommender creates the reformat-then-score judge.
func NewTwoStepRecommender(primary *client.Client) *TwoStepRecommender {
	return &TwoStepRecommender{primary: primary}
}

// Prepare implements Judge.
func (j *TwoStepRecommender) Prepare(spec task.Spec) error {
	if len(spec.Metrics) == 0 {
		return fmt.Errorf("%w: recommender judge needs a metric list", ErrUnsupportedSpec)
	}
	for _, name := range spec.Metrics {
		if _, _, err := parseMetricName(name); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedSpec, err)
		}
	}
	j.metrics = spec.Metrics
	return nil
}

// FormatDescription implements Judge.
func (j *TwoStepRecommender) FormatDescription(desc string) string {
	return desc + "\nRank the candidate items from most to least relevant."
}

// Interpret implements Judge.
func (j *TwoStepRecommender) Interpret(ctx context.Context, question string, response *chat.Message) (any, map[string]any, error) {
	messages := []chat.Message{
		chat.User(question),
		*response,
		chat.User(`Re-express your ranking as JSON of the form {"ranking": ["item-id", ...]} with the items ordered from most to least relevant. Output only the JSON.`),
	}
	grammar := chat.SchemaGrammar(rankingSchema)
	req := j.primary.WrapChat(messages, client.Params{Grammar: grammar})
	resp, err := j.primary.Send(ctx, req)
	if err != nil {
		j.failure()
		return nil, nil, fmt.Errorf("reformat turn: %w", err)
	}

	var parsed struct {
		Ranking []string `json:"ranking"`
	}
	text := resp.First().Text()
	if err := json.Unmarshal([]byte(text), &parsed); err != nil || len(parsed.Ranking) == 0 {
		j.failure()
		return nil, nil, fmt.Errorf("%w: reformat turn did not yield a ranking", ErrNoDecision)
	}
	j.success()
	return parsed.Ranking, map[string]any{"reformatted": text}, nil
}

// Judge implements Judge.
func (j *TwoStepRecommender) Judge(decision, answer any, _ map[string]any) (*Verdict, error) {
	return scoreRanking(decision, answer, j.metrics)
}

// ---------------------------------------------------------------------------
// Ranking extraction and metrics
// ---------------------------------------------------------------------------

// parseRanking extracts an ordered item-id list from free text. A
// JSON array wins; otherwise the last non-empty line is split on
// commas or ">" separators.
func parseRanking(text string) ([]string, error) {
	if arrays := jsonArrayPattern.FindAllString(text, -1); len(arrays) > 0 {
		raw := arrays[len(arrays)-1]
		var items []any
		if err := json.Unmarshal([]byte(raw), &items); err == nil && len(items) > 0 {
			ranking := make([]string, 0, len(items))
			for _, it := range items {
				switch v := it.(type) {
				case string:
					ranking = append(ranking, v)
				case float64:
					ranking = append(ranking, strconv.FormatInt(int64(v), 10))
				}
			}
			if len(ranking) > 0 {
				return ranking, nil
			}
		}
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		sep := ","
		if strings.Contains(line, ">") {
			sep = ">"
		}
		parts := strings.Split(line, sep)
		ranking := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.Trim(strings.TrimSpace(p), `."'`); p != "" {
				ranking = append(ranking, p)
			}
		}
		if len(ranking) > 1 {
			return ranking, nil
		}
		break
	}
	return nil, fmt.Errorf("%w: no ranking found in response", ErrNoDecision)
}

// scoreRanking computes the requested metrics for one impression.
func scoreRanking(decision, answer any, metrics []string) (*Verdict, error) {
	ranking, ok := decision.([]string)
	if !ok {
		return nil, fmt.Errorf("decision is %T, want []string", decision)
	}
	rel, ok := answer.(Relevance)
	if !ok {
		if p, isPtr := answer.(*Relevance); isPtr {
			rel = *p
		} else {
			return nil, fmt.Errorf("answer is %T, want judge.Relevance", answer)
		}
	}

	full := completeRanking(ranking, rel.Candidates)
	clicked := make(map[string]bool, len(rel.Clicked))
	for _, id := range rel.Clicked {
		clicked[id] = true
	}

	out := make(map[string]float64, len(metrics))
	for _, name := range metrics {
		kind, k, err := parseMetricName(name)
		if err != nil {
			return nil, err
		}
		switch kind {
		case "ndcg":
			out[name] = ndcgAt(full, clicked, k)
		case "map":
			out[name] = averagePrecision(full, clicked)
		case "auc":
			out[name] = aucOf(full, clicked)
		}
	}
	return &Verdict{Correct: true, Metrics: out}, nil
}

// completeRanking appends unranked candidates after the model's
// ranking, in slate order, and drops ids that are not candidates.
func completeRanking(ranking, candidates []string) []string {
	known := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		known[id] = true
	}
	seen := make(map[string]bool, len(ranking))
	full := make([]string, 0, len(candidates))
	for _, id := range ranking {
		if known[id] && !seen[id] {
			full = append(full, id)
			seen[id] = true
		}
	}
	for _, id := range candidates {
		if !seen[id] {
			full = append(full, id)
		}
	}
	return full
}

// parseMetricName splits "ndcg@12" into ("ndcg", 12). "map" and
// "auc" take no cutoff.
func parseMetricName(name string) (kind string, k int, err error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	switch lower {
	case "map", "auc":
		return lower, 0, nil
	}
	if cut, ok := strings.CutPrefix(lower, "ndcg@"); ok {
		k, err = strconv.Atoi(cut)
		if err != nil || k <= 0 {
			return "", 0, fmt.Errorf("bad ndcg cutoff in %q", name)
		}
		return "ndcg", k, nil
	}
	return "", 0, fmt.Errorf("unknown metric %q", name)
}

func ndcgAt(ranking []string, clicked map[string]bool, k int) float64 {
	if k > len(ranking) {
		k = len(ranking)
	}
	dcg := 0.0
	for i := 0; i < k; i++ {
		if clicked[ranking[i]] {
			dcg += 1 / math.Log2(float64(i)+2)
		}
	}
	ideal := len(clicked)
	if ideal > k {
		ideal = k
	}
	idcg := 0.0
	for i := 0; i < ideal; i++ {
		idcg += 1 / math.Log2(float64(i)+2)
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

func averagePrecision(ranking []string, clicked map[string]bool) float64 {
	if len(clicked) == 0 {
		return 0
	}
	hits := 0
	sum := 0.0
	for i, id := range ranking {
		if clicked[id] {
			hits++
			sum += float64(hits) / float64(i+1)
		}
	}
	return sum / float64(len(clicked))
}

func aucOf(ranking []string, clicked map[string]bool) float64 {
	pos, neg, correct := 0, 0, 0
	// Positions are ranks, so a positive "beats" every negative that
	// appears after it.
	negSeenAfter := make([]int, len(ranking))
	running := 0
	for i := len(ranking) - 1; i >= 0; i-- {
		negSeenAfter[i] = running
		if !clicked[ranking[i]] {
			running++
		}
	}
	for i, id := range ranking {
		if clicked[id] {
			pos++
			correct += negSeenAfter[i]
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0
	}
	return float64(correct) / float64(pos*neg)
}
