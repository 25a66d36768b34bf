// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrCheckpointDrift means the checkpoint was written against
// different templates than the current configuration.
var ErrCheckpointDrift = errors.New("checkpoint template hashes differ")

// Checkpoint is the serialized mid-run state: seeds, aggregates,
// strategy artifacts, and the template hashes that identify the
// prompt configuration.
type Checkpoint struct {
	Name           string            `json:"name"`
	Code           string            `json:"code"`
	Seed           int64             `json:"seed"`
	PrevSeed       int64             `json:"prev_seed"`
	NextIndex      int               `json:"next_index"`
	Aggregate      Aggregate         `json:"aggregate"`
	Records        []SampleRecord    `json:"records"`
	Artifacts      map[string]any    `json:"artifacts,omitempty"`
	TemplateHashes map[string]string `json:"template_hashes"`
}

// templateHashes maps configured template idents to content hashes.
func (p *Protocol) templateHashes() map[string]string {
	hashes := make(map[string]string, len(p.cfg.Templates))
	for _, tpl := range p.cfg.Templates {
		hashes[tpl.Ident] = tpl.Code
	}
	return hashes
}

// Checkpoint captures the current run state.
func (p *Protocol) Checkpoint() *Checkpoint {
	return &Checkpoint{
		Name:           p.Describe(),
		Code:           p.strat.Name(),
		Seed:           p.cfg.Seed,
		PrevSeed:       p.prevSeed,
		NextIndex:      p.nextIdx,
		Aggregate:      p.agg,
		Records:        append([]SampleRecord(nil), p.records...),
		Artifacts:      p.artifacts,
		TemplateHashes: p.templateHashes(),
	}
}

// SaveCheckpoint writes the run state to a JSON file.
func (p *Protocol) SaveCheckpoint(path string) error {
	data, err := json.MarshalIndent(p.Checkpoint(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadCheckpoint restores run state from a file.
//
// Description:
//
//	The checkpoint's template hashes must match the current
//	configuration, otherwise the stored aggregates were produced by
//	different prompts and resuming would mix results. Pass unsafe to
//	override the check.
func (p *Protocol) LoadCheckpoint(path string, unsafe bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}

	if !unsafe {
		current := p.templateHashes()
		if len(current) != len(cp.TemplateHashes) {
			return fmt.Errorf("%w: %d templates now, %d at save time",
				ErrCheckpointDrift, len(current), len(cp.TemplateHashes))
		}
		for ident, hash := range current {
			if cp.TemplateHashes[ident] != hash {
				return fmt.Errorf("%w: template %q changed", ErrCheckpointDrift, ident)
			}
		}
	}

	p.cfg.Seed = cp.Seed
	p.prevSeed = cp.PrevSeed
	p.nextIdx = cp.NextIndex
	p.agg = cp.Aggregate
	if p.agg.RetriesHistogram == nil {
		p.agg.RetriesHistogram = make(map[int]int)
	}
	p.records = cp.Records
	p.artifacts = cp.Artifacts
	return nil
}

// NextIndex returns where a resumed run should continue.
func (p *Protocol) NextIndex() int { return p.nextIdx }
