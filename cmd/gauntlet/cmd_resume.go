// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/gauntlet/services/harness/protocol"
)

var (
	resumeConfigPath string
	resumeName       string
	resumeUnsafe     bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted run from its checkpoint",
	Long: `Rebuilds the scenario and continues from the checkpointed sample
index. The resume refuses to continue when the prompt templates have
changed since the checkpoint was written; --unsafe overrides that
check.

Examples:
  gauntlet resume -c scenarios.yaml --name livebench-zeroshot
  gauntlet resume -c scenarios.yaml --unsafe`,
	RunE: resumeScenario,
}

func init() {
	resumeCmd.Flags().StringVarP(&resumeConfigPath, "config", "c", "gauntlet.yaml", "scenario file")
	resumeCmd.Flags().StringVar(&resumeName, "name", "", "scenario to resume (needed when the file lists several)")
	resumeCmd.Flags().BoolVar(&resumeUnsafe, "unsafe", false, "resume even when prompt templates changed")
}

func resumeScenario(cmd *cobra.Command, args []string) error {
	scenarios, err := LoadScenarios(resumeConfigPath)
	if err != nil {
		return err
	}
	s, err := findScenario(scenarios, resumeName)
	if err != nil {
		return err
	}
	if s.Checkpoint == "" {
		return fmt.Errorf("scenario %s has no checkpoint path", s.Name)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r, err := buildRun(ctx, s, nil, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	p := r.protocol
	if err := p.Prepare(); err != nil {
		return err
	}
	// PreLoop first so a study phase rebuilds its sandbox state; the
	// checkpoint then restores the recorded aggregates over it.
	if err := p.PreLoop(ctx); err != nil {
		return err
	}
	if err := p.LoadCheckpoint(s.Checkpoint, resumeUnsafe); err != nil {
		return err
	}
	from := p.NextIndex()
	logger.Info("Resuming run",
		slog.String("header", p.Describe()),
		slog.Int("from_index", from),
	)

	err = p.Run(ctx, from, sampleBudget(s, r))
	totals := p.PostLoop()

	if saveErr := p.SaveCheckpoint(s.Checkpoint); saveErr != nil {
		logger.Error("Checkpoint save failed", slog.String("error", saveErr.Error()))
	}
	if errors.Is(err, protocol.ErrStopped) || errors.Is(err, context.Canceled) {
		logger.Info("Run interrupted", slog.Int("next_index", p.NextIndex()))
		err = nil
	}

	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(map[string]any{"scenario": s.Name, "totals": totals})
	return err
}
