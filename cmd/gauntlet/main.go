// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// gauntlet evaluates LLM answer strategies against question catalogs.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/gauntlet/pkg/logging"
)

var (
	flagLogLevel string
	flagLogDir   string
	flagQuiet    bool

	logger    *slog.Logger
	closeLogs func() error
)

var rootCmd = &cobra.Command{
	Use:   "gauntlet",
	Short: "Evaluate LLM answer strategies against question catalogs",
	Long: `gauntlet runs evaluation protocols: a task supplies questions, a
strategy drives a chat backend to answer them, and a judge scores the
answers. Scenario files wire the three together; runs checkpoint and
resume deterministically.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger, closeLogs = logging.Setup(logging.Config{
			Level:   logging.ParseLevel(flagLogLevel),
			LogDir:  flagLogDir,
			Service: "gauntlet",
			Quiet:   flagQuiet,
		})
		slog.SetDefault(logger)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogs != nil {
			_ = closeLogs()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn, or error")
	rootCmd.PersistentFlags().StringVar(&flagLogDir, "log-dir", "", "directory for JSON log files (empty disables)")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "suppress stderr logging")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
