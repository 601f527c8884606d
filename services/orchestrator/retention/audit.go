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
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// =============================================================================
// Audit Log
// =============================================================================

// GenesisHash anchors the first purge record in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// auditFileMode restricts the deletion log to the service owner (0600).
const auditFileMode = 0600

// Purge operations recorded in the audit log.
const (
	OpPurgeTurns    = "purge_turns"
	OpPurgeSessions = "purge_sessions"
)

// AuditSink receives retention audit events.
//
// # Description
//
// Purge records prove which stored data was removed and when; sweep
// summaries give a per-cycle rollup. Implementations must be safe for
// concurrent use. Sink errors are logged by the sweeper but never block
// a deletion.
type AuditSink interface {
	// RecordPurge appends a hash-chained record of one purge phase.
	//
	// # Inputs
	//
	//   - op: OpPurgeTurns or OpPurgeSessions.
	//   - filter: The expiry selection the purge ran with.
	//   - outcome: Counts of matched, deleted, and failed objects.
	//   - dryRun: True when nothing was actually removed.
	//
	// # Outputs
	//
	//   - PurgeRecord: The record as written, with chain hashes filled in.
	//   - error: Non-nil if the record could not be persisted.
	RecordPurge(op string, filter ExpiryFilter, outcome BatchOutcome, dryRun bool) (PurgeRecord, error)

	// RecordSweep appends a per-cycle summary. Summaries are informational
	// and sit outside the hash chain.
	RecordSweep(result SweepResult) error
}

// PurgeRecord is one tamper-evident entry in the deletion log.
//
// # Description
//
// Each record links to its predecessor: PrevHash carries the previous
// record's EntryHash, and EntryHash covers every other field of this
// record. Editing any persisted record breaks the chain at that point,
// which VerifyChain detects.
//
// # Fields
//
//   - Sequence: Monotonically increasing record number.
//   - Timestamp: RFC3339 time the purge was recorded.
//   - Operation: OpPurgeTurns or OpPurgeSessions.
//   - Class, Domain, CutoffMs: The expiry selection the purge ran with.
//   - Matched, Deleted, Failed: Batch outcome counts.
//   - DryRun: True when the purge only counted matches.
//   - PrevHash: EntryHash of the previous record (GenesisHash for the first).
//   - EntryHash: SHA-256 over this record's other fields, hex encoded.
type PurgeRecord struct {
	Sequence  int64  `json:"sequence"`
	Timestamp string `json:"timestamp"`
	Operation string `json:"operation"`
	Class     string `json:"class"`
	Domain    string `json:"domain,omitempty"`
	CutoffMs  int64  `json:"cutoff_ms"`
	Matched   int64  `json:"matched"`
	Deleted   int64  `json:"deleted"`
	Failed    int64  `json:"failed"`
	DryRun    bool   `json:"dry_run,omitempty"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// AuditLog is a file-backed AuditSink with hash-chain integrity.
//
// # Description
//
// Appends JSON lines to a dedicated log file opened with owner-only
// permissions. Purge records form a hash chain; sweep summaries are
// interleaved as plain lines. Rotation must be handled externally, and
// after rotation the new file starts a fresh chain segment from the
// in-memory state.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type AuditLog struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	sequence int64
	prevHash string
}

// NewAuditLog opens (or creates) the deletion log at path.
//
// # Description
//
// The file is opened append-only with 0600 permissions. If it already
// holds purge records, the chain continues from the last one rather
// than restarting at the genesis hash.
//
// # Inputs
//
//   - path: Audit log file path. Parent directory must exist and be writable.
//
// # Outputs
//
//   - *AuditLog: Ready to record purges.
//   - error: Non-nil if the file cannot be opened or prior state read.
func NewAuditLog(path string) (*AuditLog, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditFileMode)
	if err != nil {
		return nil, fmt.Errorf("open retention audit log: %w", err)
	}

	l := &AuditLog{
		file:     file,
		path:     path,
		prevHash: GenesisHash,
	}

	if err := l.restoreChainState(); err != nil {
		file.Close()
		return nil, fmt.Errorf("restore audit chain state: %w", err)
	}

	slog.Info("Retention audit log ready",
		"path", path,
		"starting_sequence", l.sequence,
	)
	return l, nil
}

// RecordPurge appends a hash-chained purge record.
func (l *AuditLog) RecordPurge(op string, filter ExpiryFilter, outcome BatchOutcome, dryRun bool) (PurgeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	record := PurgeRecord{
		Sequence:  l.sequence,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Operation: op,
		Class:     filter.Class,
		Domain:    filter.Domain,
		CutoffMs:  filter.CutoffMs,
		Matched:   outcome.Matched,
		Deleted:   outcome.Deleted,
		Failed:    outcome.Failed,
		DryRun:    dryRun,
		PrevHash:  l.prevHash,
	}
	record.EntryHash = computePurgeHash(record)

	if err := l.writeLine(record); err != nil {
		return PurgeRecord{}, fmt.Errorf("write purge record: %w", err)
	}
	l.prevHash = record.EntryHash

	slog.Info("Retention purge recorded",
		"sequence", record.Sequence,
		"operation", record.Operation,
		"class", record.Class,
		"matched", record.Matched,
		"deleted", record.Deleted,
		"dry_run", record.DryRun,
	)
	return record, nil
}

// RecordSweep appends a per-cycle summary outside the hash chain.
func (l *AuditLog) RecordSweep(result SweepResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writeLine(sweepSummaryRecord{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Operation:       "sweep_cycle",
		TurnsMatched:    result.TurnsMatched,
		TurnsDeleted:    result.TurnsDeleted,
		SessionsMatched: result.SessionsMatched,
		SessionsDeleted: result.SessionsDeleted,
		DurationMs:      result.DurationMs(),
		DryRun:          result.DryRun,
		ErrorCount:      len(result.Errors),
	})
}

// VerifyChain checks the integrity of the purge record chain.
//
// # Description
//
// Re-reads the log file and verifies each purge record links to its
// predecessor and hashes to its stored EntryHash. Summary lines are
// skipped. Usable after Close since it opens its own read handle.
//
// # Outputs
//
//   - valid: True if the whole chain holds.
//   - breakIndex: Index of the first broken record (-1 if valid).
//   - error: Non-nil if verification could not complete.
func (l *AuditLog) VerifyChain() (valid bool, breakIndex int64, err error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return false, -1, fmt.Errorf("open audit log for verification: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	prevHash := GenesisHash
	var recordIndex int64

	for scanner.Scan() {
		var record PurgeRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		// Summary lines carry no sequence; they are not part of the chain
		if record.Sequence == 0 {
			continue
		}

		if record.PrevHash != prevHash {
			return false, recordIndex, nil
		}
		if computePurgeHash(record) != record.EntryHash {
			return false, recordIndex, nil
		}

		prevHash = record.EntryHash
		recordIndex++
	}

	if err := scanner.Err(); err != nil {
		return false, -1, fmt.Errorf("read audit log: %w", err)
	}

	return true, -1, nil
}

// Close flushes and closes the log file. Safe to call multiple times.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// =============================================================================
// Internals
// =============================================================================

// sweepSummaryRecord is the un-chained per-cycle rollup line.
type sweepSummaryRecord struct {
	Timestamp       string `json:"timestamp"`
	Operation       string `json:"operation"`
	TurnsMatched    int64  `json:"turns_matched"`
	TurnsDeleted    int64  `json:"turns_deleted"`
	SessionsMatched int64  `json:"sessions_matched"`
	SessionsDeleted int64  `json:"sessions_deleted"`
	DurationMs      int64  `json:"duration_ms"`
	DryRun          bool   `json:"dry_run"`
	ErrorCount      int    `json:"error_count"`
}

// restoreChainState reads the existing file so the chain continues from
// the last purge record. A missing file starts fresh at genesis.
func (l *AuditLog) restoreChainState() error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open audit log for reading: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var last PurgeRecord

	for scanner.Scan() {
		var record PurgeRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.Sequence > 0 {
			last = record
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	if last.Sequence > 0 {
		l.sequence = last.Sequence
		l.prevHash = last.EntryHash
	}
	return nil
}

// writeLine appends v as one JSON line.
func (l *AuditLog) writeLine(v any) error {
	if l.file == nil {
		return fmt.Errorf("audit log is closed")
	}
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := l.file.Write(append(jsonBytes, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// computePurgeHash hashes every record field except EntryHash, in a
// stable order, for chain linking.
func computePurgeHash(record PurgeRecord) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%d|%d|%d|%d|%t|%s",
		record.Sequence,
		record.Timestamp,
		record.Operation,
		record.Class,
		record.Domain,
		record.CutoffMs,
		record.Matched,
		record.Deleted,
		record.Failed,
		record.DryRun,
		record.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
