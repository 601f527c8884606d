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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	askSessionID  string // Resume an existing conversation session
	askOrgID      string // Organization filter for retrieval
	askStream     bool   // Stream the answer token by token (SSE)
	askJSONOutput bool   // Print the raw response as JSON
)

func init() {
	askCmd.Flags().StringVar(&askSessionID, "session", "",
		"Continue an existing session (the server remembers prior turns)")
	askCmd.Flags().StringVar(&askOrgID, "org", "",
		"Restrict retrieval to one organization's documents")
	askCmd.Flags().BoolVar(&askStream, "stream", false,
		"Stream the answer as it is generated")
	askCmd.Flags().BoolVar(&askJSONOutput, "json", false,
		"Output the full response as JSON (ignored with --stream)")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runAskCommand sends one question to the orchestrator and prints the
// cited answer, or an escalation contact when the service refers the
// question to a human authority.
func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")
	baseURL := getServerBaseURL()

	ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
	defer cancel()

	if askStream {
		if err := streamAsk(ctx, baseURL, question); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	resp, err := sendAsk(ctx, baseURL, question)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if askJSONOutput {
		if err := printJSON(resp); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	printAskResponse(resp)
}

// sendAsk posts the question to /v1/ask and blocks for the full answer.
func sendAsk(ctx context.Context, baseURL, question string) (*datatypes.AskResponse, error) {
	req := datatypes.AskRequest{
		Question:  question,
		SessionID: askSessionID,
		OrgID:     askOrgID,
	}

	var resp datatypes.AskResponse
	client := &http.Client{Timeout: askTimeout}
	if err := postJSON(ctx, client, baseURL+"/v1/ask", &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// streamAsk posts to /v1/ask/stream and prints deltas as they arrive.
// Citations and escalation details print after the answer text.
func streamAsk(ctx context.Context, baseURL, question string) error {
	req := datatypes.AskRequest{
		Question:  question,
		SessionID: askSessionID,
		OrgID:     askOrgID,
	}

	body, err := streamRequest(ctx, baseURL+"/v1/ask/stream", &req)
	if err != nil {
		return err
	}
	defer body.Close()

	var citations []datatypes.Citation
	var escalation *datatypes.EscalationInfo
	var sessionID string

	err = readStreamEvents(ctx, body, func(event datatypes.StreamEvent) error {
		switch event.Type {
		case datatypes.StreamTextDelta:
			fmt.Print(event.Delta)
		case datatypes.StreamCitations:
			citations = event.Citations
		case datatypes.StreamEscalation:
			escalation = event.Escalation
		case datatypes.StreamDone:
			sessionID = event.SessionID
		case datatypes.StreamError:
			return fmt.Errorf("turn failed: %s", event.Err)
		}
		return nil
	})
	if err != nil {
		fmt.Println()
		return err
	}

	fmt.Println()
	printCitations(citations)
	printEscalation(escalation)
	if sessionID != "" {
		fmt.Printf("\nSession: %s (pass --session %s to continue)\n", sessionID, sessionID)
	}
	return nil
}

// =============================================================================
// OUTPUT FORMATTING
// =============================================================================

func printAskResponse(resp *datatypes.AskResponse) {
	fmt.Printf("\n%s\n", resp.Answer)
	printCitations(resp.Citations)
	printEscalation(resp.Escalation)

	fmt.Println("\n---")
	if resp.TopicDomain != "" {
		fmt.Printf("Domain:  %s\n", resp.TopicDomain)
	}
	if len(resp.StageTrajectory) > 0 {
		fmt.Printf("Stages:  %s\n", strings.Join(resp.StageTrajectory, " -> "))
	}
	fmt.Printf("Session: %s (pass --session %s to continue)\n", resp.SessionID, resp.SessionID)
	if resp.ProcessingTimeMs > 0 {
		fmt.Printf("Took:    %dms\n", resp.ProcessingTimeMs)
	}
}

func printCitations(citations []datatypes.Citation) {
	if len(citations) == 0 {
		return
	}
	fmt.Println("\nSources:")
	for i, c := range citations {
		line := c.Title
		if c.Section != "" {
			line = fmt.Sprintf("%s, %s", line, c.Section)
		}
		if c.AuthorityLevel != "" {
			line = fmt.Sprintf("%s (%s)", line, c.AuthorityLevel)
		}
		fmt.Printf("%d. %s\n", i+1, line)
		if c.URL != "" {
			fmt.Printf("   %s\n", c.URL)
		}
	}
}

func printEscalation(info *datatypes.EscalationInfo) {
	if info == nil {
		return
	}
	fmt.Printf("\nEscalated to: %s (%s)\n", info.Target, info.Organization)
	if info.ContactPhone != "" {
		fmt.Printf("   Phone: %s\n", info.ContactPhone)
	}
	if info.ContactEmail != "" {
		fmt.Printf("   Email: %s\n", info.ContactEmail)
	}
	if info.ContactURL != "" {
		fmt.Printf("   Web:   %s\n", info.ContactURL)
	}
	if info.Urgency == datatypes.UrgencyImmediate {
		fmt.Println("   Urgency: IMMEDIATE - contact them now")
	}
}
