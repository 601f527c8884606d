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
	"sort"

	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	healthJSONOutput bool // Output as JSON
)

func init() {
	healthCmd.Flags().BoolVar(&healthJSONOutput, "json", false,
		"Output health report as JSON")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// HealthReport mirrors the orchestrator's GET /health body.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// runHealthCommand pings GET /health and exits 1 when the server is
// unreachable or reports degraded, so scripts can gate on it.
func runHealthCommand(cmd *cobra.Command, _ []string) {
	baseURL := getServerBaseURL()
	client := &http.Client{Timeout: opsTimeout}

	ctx, cancel := context.WithTimeout(cmd.Context(), opsTimeout)
	defer cancel()

	var report HealthReport
	statusCode, err := getJSON(ctx, client, baseURL+"/health", &report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: server unreachable at %s: %v\n", baseURL, err)
		os.Exit(1)
	}

	if healthJSONOutput {
		if err := printJSON(report); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		printHealthReport(baseURL, report)
	}

	if statusCode != http.StatusOK || report.Status != "healthy" {
		os.Exit(1)
	}
}

// =============================================================================
// OUTPUT FORMATTING
// =============================================================================

func printHealthReport(baseURL string, report HealthReport) {
	if report.Status == "healthy" {
		fmt.Printf("✅ %s is healthy\n", baseURL)
	} else {
		fmt.Printf("⚠️  %s is %s\n", baseURL, report.Status)
	}

	if len(report.Checks) == 0 {
		return
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("   %-12s %s\n", name+":", report.Checks[name])
	}
}
