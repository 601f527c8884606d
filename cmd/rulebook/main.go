// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command rulebook is the operator CLI for the governance Q&A service.
//
// It talks to a running orchestrator over HTTP:
//
//	rulebook ask "What are the team selection criteria for swimming?"
//	rulebook eval evals/routing_smoke.yaml
//	rulebook health
//	rulebook breakers
//
// The orchestrator address comes from RULEBOOK_SERVER_URL, falling back
// to http://localhost:12210. Commands that detect problems (a degraded
// health report, a failed eval assertion) exit non-zero so the CLI slots
// into scripts and CI.
package main

import (
	"os"
)

func main() {
	// Cobra handles argument parsing; run functions print their own
	// errors and exit non-zero themselves.
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
