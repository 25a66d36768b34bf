// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search runs a generic fueled graph search over a caller-
// defined state space.
//
// The caller supplies expand and extract functions; states are opaque.
// Cycle handling, dead-ends, and depth limits are the caller's policy
// inside expand. The search keeps no visited set.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Order selects the frontier discipline.
type Order string

const (
	// BFS explores breadth-first (frontier is a queue).
	BFS Order = "bfs"

	// DFS explores depth-first (frontier is a stack).
	DFS Order = "dfs"
)

// ErrNoFuel is returned by Run when the fuel budget is not positive.
var ErrNoFuel = errors.New("search fuel must be positive")

// State is an opaque search state.
type State = any

// Report is an opaque extract result.
type Report = any

// ExpandFunc returns the children of a state.
type ExpandFunc func(ctx context.Context, state State) ([]State, error)

// ExtractFunc inspects a path and returns a non-nil report when the
// path is interesting. Under the markovian option the path holds only
// the current state.
type ExtractFunc func(ctx context.Context, path []State) (Report, error)

// Options configures a search run.
type Options struct {
	// Order is BFS or DFS. Defaults to BFS.
	Order Order

	// Markovian passes only the last state to extract.
	Markovian bool

	// Fuel is the maximum number of expansions. Required.
	Fuel int

	// CheckFirst is the number of frames popped before the first
	// extract call.
	CheckFirst int

	// MaxDepth caps the path length; 0 means unbounded. Frames at
	// the cap are extracted but not expanded.
	MaxDepth int
}

// frame is one frontier entry: a path from the initial state.
type frame struct {
	path []State
}

// Run performs the search and returns every report extract yielded.
//
// Description:
//
//	Pops a frame, calls extract on its path; a non-nil report is
//	collected and the frame is not expanded further. Otherwise the
//	last state is expanded and each child pushed as an extended path,
//	spending one fuel per expansion. Terminates when the frontier is
//	empty or the fuel is gone.
//
// Inputs:
//
//	ctx - Context for cancellation; checked once per frame.
//	initial - The initial state.
//	expand - Child generator. Must not be nil.
//	extract - Report extractor. Must not be nil.
//	opts - Search options; Fuel must be positive.
//
// Outputs:
//
//	[]Report - All yielded reports, in pop order.
//	error - Non-nil on cancellation or when expand/extract fail.
func Run(ctx context.Context, initial State, expand ExpandFunc, extract ExtractFunc, opts Options) ([]Report, error) {
	if opts.Fuel <= 0 {
		return nil, ErrNoFuel
	}
	if expand == nil || extract == nil {
		return nil, errors.New("search: expand and extract are required")
	}
	order := opts.Order
	if order == "" {
		order = BFS
	}

	frontier := []frame{{path: []State{initial}}}
	fuel := opts.Fuel
	popped := 0
	var reports []Report

	for len(frontier) > 0 && fuel > 0 {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		var cur frame
		if order == DFS {
			cur = frontier[len(frontier)-1]
			frontier = frontier[:len(frontier)-1]
		} else {
			cur = frontier[0]
			frontier = frontier[1:]
		}
		popped++

		if popped > opts.CheckFirst {
			view := cur.path
			if opts.Markovian {
				view = cur.path[len(cur.path)-1:]
			}
			report, err := extract(ctx, view)
			if err != nil {
				return reports, fmt.Errorf("extract at depth %d: %w", len(cur.path), err)
			}
			if report != nil {
				reports = append(reports, report)
				continue
			}
		}

		if opts.MaxDepth > 0 && len(cur.path) >= opts.MaxDepth {
			continue
		}

		last := cur.path[len(cur.path)-1]
		children, err := expand(ctx, last)
		if err != nil {
			return reports, fmt.Errorf("expand at depth %d: %w", len(cur.path), err)
		}
		fuel--

		for _, child := range children {
			path := make([]State, len(cur.path), len(cur.path)+1)
			copy(path, cur.path)
			frontier = append(frontier, frame{path: append(path, child)})
		}
	}

	slog.Debug("Search finished",
		slog.Int("reports", len(reports)),
		slog.Int("fuel_left", fuel),
		slog.Int("frames_popped", popped),
	)
	return reports, nil
}
