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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/gauntlet/services/harness/protocol"
)

var (
	runConfigPath  string
	runMetricsAddr string
	runTrace       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every scenario in a scenario file",
	Long: `Runs each scenario in the file to completion and prints one totals
line per scenario as JSON. Scenarios run concurrently; within a
scenario, samples run strictly in order.

Examples:
  gauntlet run -c scenarios.yaml
  gauntlet run -c scenarios.yaml --metrics-addr :9090
  gauntlet run -c scenarios.yaml --trace`,
	RunE: runScenarios,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "gauntlet.yaml", "scenario file")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "emit OpenTelemetry spans to stdout")
}

func runScenarios(cmd *cobra.Command, args []string) error {
	scenarios, err := LoadScenarios(runConfigPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if runTrace {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer shutdown()
	}

	reg := prometheus.NewRegistry()
	metrics := protocol.NewMetrics(reg)
	if runMetricsAddr != "" {
		serveMetrics(runMetricsAddr, reg)
	}

	group, ctx := errgroup.WithContext(ctx)
	totals := make([]protocol.Totals, len(scenarios))
	for i := range scenarios {
		group.Go(func() error {
			t, err := executeScenario(ctx, &scenarios[i], metrics)
			if err != nil {
				return fmt.Errorf("scenario %s: %w", scenarios[i].Name, err)
			}
			totals[i] = t
			return nil
		})
	}
	runErr := group.Wait()

	enc := json.NewEncoder(os.Stdout)
	for i, s := range scenarios {
		_ = enc.Encode(map[string]any{"scenario": s.Name, "totals": totals[i]})
	}
	return runErr
}

// executeScenario drives one protocol from index 0 to the sample
// budget. The resume command picks up from a saved checkpoint.
func executeScenario(ctx context.Context, s *Scenario, m *protocol.Metrics) (protocol.Totals, error) {
	r, err := buildRun(ctx, s, m, logger)
	if err != nil {
		return protocol.Totals{}, err
	}
	defer r.Close()

	p := r.protocol
	if err := p.Prepare(); err != nil {
		return protocol.Totals{}, err
	}
	logger.Info("Run starting", slog.String("header", p.Describe()))
	if err := p.PreLoop(ctx); err != nil {
		return protocol.Totals{}, err
	}

	err = p.Run(ctx, 0, sampleBudget(s, r))
	totals := p.PostLoop()

	if s.Checkpoint != "" {
		if saveErr := p.SaveCheckpoint(s.Checkpoint); saveErr != nil {
			logger.Error("Checkpoint save failed", slog.String("error", saveErr.Error()))
		}
	}
	if errors.Is(err, protocol.ErrStopped) || errors.Is(err, context.Canceled) {
		logger.Info("Run interrupted", slog.Int("next_index", p.NextIndex()))
		return totals, nil
	}
	return totals, err
}

// sampleBudget is the configured sample count, capped by the corpus.
func sampleBudget(s *Scenario, r *run) int {
	total := r.task.TotalQuestions()
	if s.Samples > 0 && s.Samples < total {
		return s.Samples
	}
	if total == 0 {
		return s.Samples
	}
	return total
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()
}
