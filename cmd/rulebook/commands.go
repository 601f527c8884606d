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
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/Rulebook/pkg/logging"
)

// --- Global Command Variables ---
var (
	serverURL string // --server override for the orchestrator address
	verbose   bool   // --verbose enables debug logging

	rootCmd = &cobra.Command{
		Use:   "rulebook",
		Short: "Operator CLI for the athlete governance Q&A service",
		Long: `Rulebook answers athlete governance questions (team selection,
disputes, SafeSport, anti-doping, eligibility) from cited policy documents.
This CLI talks to a running orchestrator: ask questions, run eval
scenarios, and inspect service health and circuit breakers.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initCLILogging()
		},
	}

	// --- Ask ---
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a governance question and print the cited answer",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand, // Defined in cmd_ask.go
	}

	// --- Eval ---
	evalCmd = &cobra.Command{
		Use:   "eval [scenario.yaml...]",
		Short: "Run scenario files against the orchestrator and check assertions",
		Long: `Eval loads one or more scenario YAML files, sends each case's question
to the orchestrator, and checks the response against the case's
expectations: stage trajectory, answer substrings, citations, and
escalation urgency. Exits 1 if any case fails.`,
		Args: cobra.MinimumNArgs(1),
		Run:  runEvalCommand, // Defined in cmd_eval.go
	}

	// --- Health ---
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Show orchestrator health and dependency checks",
		Run:   runHealthCommand, // Defined in cmd_health.go
	}

	// --- Breakers ---
	breakersCmd = &cobra.Command{
		Use:   "breakers",
		Short: "Show circuit breaker state for every dependency",
		Run:   runBreakersCommand, // Defined in cmd_breakers.go
	}
)

// initCLILogging installs the process-wide logger.
//
// Interactive terminals get text output; pipes and CI get JSON, so the
// same binary reads well in both places. RULEBOOK_LOG_DIR additionally
// mirrors entries to a dated file.
func initCLILogging() {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}

	logger := logging.New(logging.Config{
		Level:   level,
		Service: "rulebook",
		LogDir:  os.Getenv("RULEBOOK_LOG_DIR"),
		JSON:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(logger.Slog())
}

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Orchestrator base URL (default: RULEBOOK_SERVER_URL or http://localhost:12210)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(breakersCmd)
}
