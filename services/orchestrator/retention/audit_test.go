// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testAuditPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "retention_audit.log")
}

func turnFilter(cutoff int64) ExpiryFilter {
	return ExpiryFilter{Class: "Conversation", CutoffMs: cutoff}
}

func TestAuditLog_ChainsPurgeRecords(t *testing.T) {
	t.Parallel()

	log, err := NewAuditLog(testAuditPath(t))
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer log.Close()

	rec1, err := log.RecordPurge(OpPurgeTurns, turnFilter(1000), BatchOutcome{Matched: 5, Deleted: 5}, false)
	if err != nil {
		t.Fatalf("First RecordPurge failed: %v", err)
	}
	rec2, err := log.RecordPurge(OpPurgeSessions, ExpiryFilter{Class: "Session", CutoffMs: 1000}, BatchOutcome{Matched: 2, Deleted: 2}, false)
	if err != nil {
		t.Fatalf("Second RecordPurge failed: %v", err)
	}

	if rec1.Sequence != 1 || rec2.Sequence != 2 {
		t.Errorf("Expected sequences 1 and 2, got %d and %d", rec1.Sequence, rec2.Sequence)
	}
	if rec1.PrevHash != GenesisHash {
		t.Errorf("First record should link to genesis, got %s", rec1.PrevHash)
	}
	if rec1.EntryHash != computePurgeHash(rec1) {
		t.Error("Entry hash does not cover the record fields")
	}
	if rec2.PrevHash != rec1.EntryHash {
		t.Errorf("Second record should link to first: got %s, want %s", rec2.PrevHash, rec1.EntryHash)
	}

	valid, breakIndex, err := log.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !valid || breakIndex != -1 {
		t.Errorf("Expected valid chain, got valid=%v breakIndex=%d", valid, breakIndex)
	}
}

func TestAuditLog_SweepSummariesStayOutsideChain(t *testing.T) {
	t.Parallel()

	path := testAuditPath(t)
	log, err := NewAuditLog(path)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer log.Close()

	if _, err := log.RecordPurge(OpPurgeTurns, turnFilter(1000), BatchOutcome{Matched: 1, Deleted: 1}, false); err != nil {
		t.Fatalf("RecordPurge failed: %v", err)
	}
	if err := log.RecordSweep(SweepResult{
		StartTime:    time.Now().Add(-time.Second),
		EndTime:      time.Now(),
		TurnsDeleted: 1,
	}); err != nil {
		t.Fatalf("RecordSweep failed: %v", err)
	}
	if _, err := log.RecordPurge(OpPurgeTurns, turnFilter(2000), BatchOutcome{Matched: 3, Deleted: 3}, false); err != nil {
		t.Fatalf("RecordPurge failed: %v", err)
	}

	valid, breakIndex, err := log.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !valid {
		t.Errorf("Interleaved summary broke the chain at index %d", breakIndex)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reading audit log failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[1], `"operation":"sweep_cycle"`) {
		t.Errorf("Middle line should be the sweep summary, got: %s", lines[1])
	}
	if strings.Contains(lines[1], "entry_hash") {
		t.Error("Sweep summaries must not carry chain hashes")
	}
}

func TestAuditLog_DetectsTampering(t *testing.T) {
	t.Parallel()

	path := testAuditPath(t)
	log, err := NewAuditLog(path)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}

	if _, err := log.RecordPurge(OpPurgeTurns, turnFilter(1000), BatchOutcome{Matched: 5, Deleted: 5}, false); err != nil {
		t.Fatalf("RecordPurge failed: %v", err)
	}
	if _, err := log.RecordPurge(OpPurgeTurns, turnFilter(2000), BatchOutcome{Matched: 7, Deleted: 7}, false); err != nil {
		t.Fatalf("RecordPurge failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Quietly inflate the first record's deletion count
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reading audit log failed: %v", err)
	}
	tampered := strings.Replace(string(raw), `"deleted":5,`, `"deleted":50,`, 1)
	if tampered == string(raw) {
		t.Fatal("Tampering replacement did not apply")
	}
	if err := os.WriteFile(path, []byte(tampered), 0600); err != nil {
		t.Fatalf("Writing tampered log failed: %v", err)
	}

	valid, breakIndex, err := log.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if valid {
		t.Error("Expected tampering to be detected")
	}
	if breakIndex != 0 {
		t.Errorf("Expected break at record 0, got %d", breakIndex)
	}
}

func TestAuditLog_ResumesChainAcrossReopen(t *testing.T) {
	t.Parallel()

	path := testAuditPath(t)
	log, err := NewAuditLog(path)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	rec1, err := log.RecordPurge(OpPurgeTurns, turnFilter(1000), BatchOutcome{Matched: 1, Deleted: 1}, false)
	if err != nil {
		t.Fatalf("RecordPurge failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewAuditLog(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	rec2, err := reopened.RecordPurge(OpPurgeSessions, ExpiryFilter{Class: "Session", CutoffMs: 1000}, BatchOutcome{Matched: 1, Deleted: 1}, false)
	if err != nil {
		t.Fatalf("RecordPurge after reopen failed: %v", err)
	}

	if rec2.Sequence != 2 {
		t.Errorf("Expected sequence to continue at 2, got %d", rec2.Sequence)
	}
	if rec2.PrevHash != rec1.EntryHash {
		t.Errorf("Reopened log should continue the chain: got %s, want %s", rec2.PrevHash, rec1.EntryHash)
	}

	valid, breakIndex, err := reopened.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !valid {
		t.Errorf("Expected valid chain across reopen, break at %d", breakIndex)
	}
}

func TestAuditLog_RestrictsFilePermissions(t *testing.T) {
	t.Parallel()

	path := testAuditPath(t)
	log, err := NewAuditLog(path)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer log.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected 0600 permissions on the deletion log, got %o", perm)
	}
}

func TestAuditLog_RecordAfterCloseFails(t *testing.T) {
	t.Parallel()

	log, err := NewAuditLog(testAuditPath(t))
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("Repeated Close should be a no-op, got: %v", err)
	}

	if _, err := log.RecordPurge(OpPurgeTurns, turnFilter(1000), BatchOutcome{Matched: 1, Deleted: 1}, false); err == nil {
		t.Error("Expected RecordPurge to fail on a closed log")
	}
}
