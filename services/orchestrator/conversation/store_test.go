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
	"testing"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

func TestTurnsToMessages_ReversesIntoChronologicalOrder(t *testing.T) {
	t.Parallel()

	// Query results arrive newest first.
	turns := []datatypes.ConversationResult{
		{Question: "second question", Answer: "second answer"},
		{Question: "first question", Answer: "first answer"},
	}

	got := turnsToMessages(turns)
	want := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "first question"},
		{Role: datatypes.RoleAssistant, Content: "first answer"},
		{Role: datatypes.RoleUser, Content: "second question"},
		{Role: datatypes.RoleAssistant, Content: "second answer"},
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Errorf("message %d mismatch:\n got: %+v\nwant: %+v", i, got[i], want[i])
		}
	}
}

func TestTurnsToMessages_SkipsBlankQuestions(t *testing.T) {
	t.Parallel()

	turns := []datatypes.ConversationResult{
		{Question: "kept question", Answer: "kept answer"},
		{Question: "   ", Answer: "orphaned answer"},
	}

	got := turnsToMessages(turns)
	if len(got) != 2 {
		t.Fatalf("expected the blank-question turn to be dropped, got %+v", got)
	}
	if got[0].Content != "kept question" || got[1].Content != "kept answer" {
		t.Fatalf("unexpected messages: %+v", got)
	}
}

func TestTurnsToMessages_AnswerlessTurnKeepsQuestionOnly(t *testing.T) {
	t.Parallel()

	turns := []datatypes.ConversationResult{
		{Question: "pending question", Answer: ""},
	}

	got := turnsToMessages(turns)
	if len(got) != 1 {
		t.Fatalf("expected only the user message, got %+v", got)
	}
	if got[0].Role != datatypes.RoleUser || got[0].Content != "pending question" {
		t.Fatalf("unexpected message: %+v", got[0])
	}
}

func TestTurnsToMessages_Empty(t *testing.T) {
	t.Parallel()

	if got := turnsToMessages(nil); len(got) != 0 {
		t.Fatalf("expected no messages, got %+v", got)
	}
}
