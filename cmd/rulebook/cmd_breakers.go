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
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	breakersJSONOutput bool // Output as JSON
	breakersReset      bool // Reset all breakers before reporting
)

func init() {
	breakersCmd.Flags().BoolVar(&breakersJSONOutput, "json", false,
		"Output breaker metrics as JSON")
	breakersCmd.Flags().BoolVar(&breakersReset, "reset", false,
		"Close all breakers and clear their counters before reporting")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// BreakerReport mirrors the orchestrator's breaker endpoints. Status is
// only set by the reset endpoint.
type BreakerReport struct {
	Status   string                            `json:"status,omitempty"`
	Breakers []datatypes.CircuitBreakerMetrics `json:"breakers"`
}

// runBreakersCommand shows the state of every dependency circuit
// breaker, optionally resetting them first with --reset.
func runBreakersCommand(cmd *cobra.Command, _ []string) {
	baseURL := getServerBaseURL()
	client := &http.Client{Timeout: opsTimeout}

	ctx, cancel := context.WithTimeout(cmd.Context(), opsTimeout)
	defer cancel()

	var report BreakerReport
	var err error
	if breakersReset {
		err = postJSON(ctx, client, baseURL+"/v1/ops/breakers/reset", struct{}{}, &report)
	} else {
		_, err = getJSON(ctx, client, baseURL+"/v1/ops/breakers", &report)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if breakersJSONOutput {
		if err := printJSON(report); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	printBreakerReport(report)
}

// =============================================================================
// OUTPUT FORMATTING
// =============================================================================

func printBreakerReport(report BreakerReport) {
	if report.Status == "reset" {
		fmt.Println("✅ All breakers reset")
	}
	if len(report.Breakers) == 0 {
		fmt.Println("No circuit breakers registered")
		return
	}

	fmt.Printf("%-20s %-10s %8s %10s %8s %9s %9s  %s\n",
		"DEPENDENCY", "STATE", "CONSEC", "REQUESTS", "FAILED", "TIMEOUTS", "REJECTED", "LAST FAILURE")
	for _, b := range report.Breakers {
		fmt.Printf("%-20s %-10s %8d %10d %8d %9d %9d  %s\n",
			b.Dependency, b.State, b.ConsecutiveFailures, b.TotalRequests,
			b.TotalFailures, b.TotalTimeouts, b.TotalRejections,
			formatLastFailure(b.LastFailureTime))
	}
}

// formatLastFailure renders a failure timestamp as relative age, which
// is what an operator scanning for a stuck-open breaker actually wants.
func formatLastFailure(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t)
	if age < 0 {
		age = 0
	}
	return fmt.Sprintf("%s ago", age.Truncate(time.Second))
}
