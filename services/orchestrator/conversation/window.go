// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// =============================================================================
// Window Configuration
// =============================================================================

// Environment variables for conversation window tuning.
const (
	RecentTurnsEnv            = "CONV_RECENT_TURNS"
	RecentTurnsWithSummaryEnv = "CONV_RECENT_TURNS_WITH_SUMMARY"
	MessageCharCapEnv         = "CONV_MESSAGE_CHAR_CAP"
)

// WindowConfig controls how much prior conversation is rendered into
// prompts.
//
// # Description
//
// Prompts carry a bounded transcript of earlier turns so that follow-up
// questions resolve against what was actually said, without letting a
// long session inflate every downstream call. Once a rolling summary
// has been persisted for the session, the summary carries the older
// context and the verbatim window shrinks.
type WindowConfig struct {
	// RecentTurns is how many of the latest turns appear verbatim when
	// no rolling summary exists.
	RecentTurns int

	// RecentTurnsWithSummary replaces RecentTurns once a summary is
	// present for the session.
	RecentTurnsWithSummary int

	// MessageCharCap truncates any single message to this many
	// characters before rendering.
	MessageCharCap int
}

// DefaultWindowConfig returns the production window tuning.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		RecentTurns:            5,
		RecentTurnsWithSummary: 2,
		MessageCharCap:         500,
	}
}

// WindowConfigFromEnv reads window tuning from CONV_RECENT_TURNS,
// CONV_RECENT_TURNS_WITH_SUMMARY, and CONV_MESSAGE_CHAR_CAP, falling
// back to defaults for anything unset or invalid.
func WindowConfigFromEnv() WindowConfig {
	def := DefaultWindowConfig()
	cfg := WindowConfig{
		RecentTurns:            windowEnvInt(RecentTurnsEnv, def.RecentTurns),
		RecentTurnsWithSummary: windowEnvInt(RecentTurnsWithSummaryEnv, def.RecentTurnsWithSummary),
		MessageCharCap:         windowEnvInt(MessageCharCapEnv, def.MessageCharCap),
	}
	if cfg.RecentTurns <= 0 {
		slog.Warn("Invalid conversation window turn count, using default",
			"env", RecentTurnsEnv, "value", cfg.RecentTurns, "default", def.RecentTurns)
		cfg.RecentTurns = def.RecentTurns
	}
	if cfg.RecentTurnsWithSummary <= 0 {
		slog.Warn("Invalid conversation window turn count, using default",
			"env", RecentTurnsWithSummaryEnv, "value", cfg.RecentTurnsWithSummary, "default", def.RecentTurnsWithSummary)
		cfg.RecentTurnsWithSummary = def.RecentTurnsWithSummary
	}
	if cfg.MessageCharCap <= 0 {
		slog.Warn("Invalid conversation message cap, using default",
			"env", MessageCharCapEnv, "value", cfg.MessageCharCap, "default", def.MessageCharCap)
		cfg.MessageCharCap = def.MessageCharCap
	}
	return cfg
}

// windowEnvInt reads an integer from the environment, warning and
// returning the fallback when the value is set but unparsable.
func windowEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Unparsable integer in environment, using default",
			"env", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

// =============================================================================
// Window Formatting
// =============================================================================

// FormatWindow renders prior turns as a role-prefixed transcript for
// prompt assembly.
//
// # Description
//
// The transcript covers the most recent turns of the history, where a
// turn starts at a user message and includes the assistant messages
// that follow it. Each message is rendered as a "User: ..." or
// "Assistant: ..." line, truncated to cfg.MessageCharCap characters
// with an ellipsis marker. When a rolling summary exists it is
// prepended as a labeled block and the verbatim window shrinks to
// cfg.RecentTurnsWithSummary turns, since the summary already carries
// the older context.
//
// # Inputs
//
//   - history: Prior messages, oldest first. Callers answering a live
//     question pass ConversationState.History(), which excludes the
//     question currently being processed.
//   - summary: The persisted rolling summary for the session, or "".
//   - cfg: Window tuning. Non-positive fields fall back to defaults.
//
// # Outputs
//
//   - string: The rendered block, or "" when there is nothing to show.
func FormatWindow(history []datatypes.Message, summary string, cfg WindowConfig) string {
	def := DefaultWindowConfig()
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = def.RecentTurns
	}
	if cfg.RecentTurnsWithSummary <= 0 {
		cfg.RecentTurnsWithSummary = def.RecentTurnsWithSummary
	}
	if cfg.MessageCharCap <= 0 {
		cfg.MessageCharCap = def.MessageCharCap
	}

	summary = strings.TrimSpace(summary)
	turns := cfg.RecentTurns
	if summary != "" {
		turns = cfg.RecentTurnsWithSummary
	}
	recent := lastTurns(history, turns)

	var b strings.Builder
	if summary != "" {
		b.WriteString("Summary of the conversation so far:\n")
		b.WriteString(summary)
	}
	for _, msg := range recent {
		label := roleLabel(msg.Role)
		if label == "" {
			continue
		}
		content := capMessage(msg.Content, cfg.MessageCharCap)
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(content)
	}
	return b.String()
}

// lastTurns returns the suffix of history covering the most recent n
// turns. Assistant messages before the first user message in the
// suffix belong to an older turn and are dropped with it.
func lastTurns(history []datatypes.Message, n int) []datatypes.Message {
	if n <= 0 {
		return nil
	}
	seen := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == datatypes.RoleUser {
			seen++
			if seen == n {
				return history[i:]
			}
		}
	}
	return history
}

// roleLabel maps a message role to its transcript prefix. System
// messages are prompt plumbing, not conversation, and render as "".
func roleLabel(role string) string {
	switch role {
	case datatypes.RoleUser:
		return "User"
	case datatypes.RoleAssistant:
		return "Assistant"
	default:
		return ""
	}
}

// capMessage trims and truncates a single message, appending an
// ellipsis marker when content was cut. Truncation is rune-aware so a
// multi-byte character is never split.
func capMessage(content string, cap int) string {
	content = strings.TrimSpace(content)
	if cap <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= cap {
		return content
	}
	return string(runes[:cap]) + "..."
}
