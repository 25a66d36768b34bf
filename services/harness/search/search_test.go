// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

// binaryExpand builds the infinite binary tree over ints: n -> 2n+1, 2n+2.
func binaryExpand(ctx context.Context, state State) ([]State, error) {
	n := state.(int)
	return []State{2*n + 1, 2*n + 2}, nil
}

// reportAt yields the final state as a report when it equals target.
func reportAt(target int) ExtractFunc {
	return func(ctx context.Context, path []State) (Report, error) {
		if path[len(path)-1].(int) == target {
			return path[len(path)-1], nil
		}
		return nil, nil
	}
}

func TestRunFindsTarget(t *testing.T) {
	reports, err := Run(context.Background(), 0, binaryExpand, reportAt(5), Options{Fuel: 50})
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if !reflect.DeepEqual(reports, []Report{5}) {
		t.Errorf("reports = %v, want [5]", reports)
	}
}

func TestRunRequiresFuel(t *testing.T) {
	if _, err := Run(context.Background(), 0, binaryExpand, reportAt(1), Options{}); !errors.Is(err, ErrNoFuel) {
		t.Errorf("error = %v, want ErrNoFuel", err)
	}
}

func TestRunFuelBoundsExpansions(t *testing.T) {
	expansions := 0
	expand := func(ctx context.Context, state State) ([]State, error) {
		expansions++
		return binaryExpand(ctx, state)
	}
	never := func(ctx context.Context, path []State) (Report, error) { return nil, nil }

	if _, err := Run(context.Background(), 0, expand, never, Options{Fuel: 7}); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if expansions != 7 {
		t.Errorf("expansions = %d, want exactly the fuel budget", expansions)
	}
}

func TestRunOrder(t *testing.T) {
	// Two-level tree, no reports: record pop order through extract.
	expand := func(ctx context.Context, state State) ([]State, error) {
		if len(state.(string)) >= 3 {
			return nil, nil
		}
		return []State{state.(string) + "a", state.(string) + "b"}, nil
	}
	tests := []struct {
		order Order
		want  []string
	}{
		{BFS, []string{"r", "ra", "rb", "raa", "rab", "rba", "rbb"}},
		{DFS, []string{"r", "rb", "rbb", "rba", "ra", "rab", "raa"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.order), func(t *testing.T) {
			var popped []string
			extract := func(ctx context.Context, path []State) (Report, error) {
				popped = append(popped, path[len(path)-1].(string))
				return nil, nil
			}
			if _, err := Run(context.Background(), "r", expand, extract, Options{Order: tt.order, Fuel: 100}); err != nil {
				t.Fatalf("Run error = %v", err)
			}
			if !reflect.DeepEqual(popped, tt.want) {
				t.Errorf("pop order = %v, want %v", popped, tt.want)
			}
		})
	}
}

func TestRunReportStopsExpansion(t *testing.T) {
	expanded := make(map[int]bool)
	expand := func(ctx context.Context, state State) ([]State, error) {
		expanded[state.(int)] = true
		return binaryExpand(ctx, state)
	}
	reports, err := Run(context.Background(), 0, expand, reportAt(1), Options{Fuel: 5})
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %v", reports)
	}
	if expanded[1] {
		t.Error("a reported frame must not be expanded")
	}
}

func TestRunCheckFirst(t *testing.T) {
	extracted := 0
	extract := func(ctx context.Context, path []State) (Report, error) {
		extracted++
		return nil, nil
	}
	if _, err := Run(context.Background(), 0, binaryExpand, extract, Options{Fuel: 4, CheckFirst: 2}); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	// 4 expansions pop 4+ frames; the first 2 pops skip extract.
	if extracted == 0 {
		t.Fatal("extract never ran")
	}
	popsWithoutExtract := 2
	if extracted > 4+popsWithoutExtract {
		t.Errorf("extracted = %d", extracted)
	}
}

func TestRunMarkovian(t *testing.T) {
	var lengths []int
	extract := func(ctx context.Context, path []State) (Report, error) {
		lengths = append(lengths, len(path))
		return nil, nil
	}
	if _, err := Run(context.Background(), 0, binaryExpand, extract, Options{Fuel: 5, Markovian: true}); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	for _, n := range lengths {
		if n != 1 {
			t.Fatalf("markovian extract saw a path of length %d", n)
		}
	}
}

func TestRunMaxDepth(t *testing.T) {
	maxSeen := 0
	extract := func(ctx context.Context, path []State) (Report, error) {
		if len(path) > maxSeen {
			maxSeen = len(path)
		}
		return nil, nil
	}
	if _, err := Run(context.Background(), 0, binaryExpand, extract, Options{Fuel: 100, MaxDepth: 3}); err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if maxSeen != 3 {
		t.Errorf("deepest path = %d, want 3", maxSeen)
	}
}

func TestRunExpandError(t *testing.T) {
	boom := errors.New("boom")
	expand := func(ctx context.Context, state State) ([]State, error) {
		if state.(int) == 2 {
			return nil, boom
		}
		return binaryExpand(ctx, state)
	}
	_, err := Run(context.Background(), 0, expand, reportAt(-1), Options{Fuel: 10})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped boom", err)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pops := 0
	extract := func(ctx context.Context, path []State) (Report, error) {
		pops++
		if pops == 3 {
			cancel()
		}
		return nil, nil
	}
	_, err := Run(ctx, 0, binaryExpand, extract, Options{Fuel: 1000})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if pops > 4 {
		t.Errorf("search kept popping after cancel: %d", pops)
	}
}

func TestRunCollectsMultipleReports(t *testing.T) {
	extract := func(ctx context.Context, path []State) (Report, error) {
		n := path[len(path)-1].(int)
		if n != 0 && n%2 == 0 {
			return fmt.Sprintf("even:%d", n), nil
		}
		return nil, nil
	}
	reports, err := Run(context.Background(), 0, binaryExpand, extract, Options{Fuel: 3})
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if len(reports) == 0 {
		t.Error("expected at least one report")
	}
	for _, r := range reports {
		if _, ok := r.(string); !ok {
			t.Errorf("report %v is not the extract value", r)
		}
	}
}
