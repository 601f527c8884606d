// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// SecureBufferSize is the size of the mlocked buffer for answer
	// accumulation. 512 KB holds roughly 131,000 tokens at 4 bytes per
	// token, ample for the longest synthesized answers.
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 512
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient records whether secure memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the current mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// TokenAccumulator accumulates streamed answer deltas and produces the
// final answer with an integrity hash.
//
// # Description
//
// While an answer streams to the client, the deltas also accumulate
// server-side so the turn can be persisted and summarized afterwards.
// Deltas are hashed incrementally as they arrive; the final hash covers
// exactly the bytes the client saw.
//
// The secure implementation keeps the forming answer in mlocked memory
// so partial answers never swap to disk. On hosts without a sufficient
// mlock limit, construction falls back to a plain heap buffer with a
// warning, and the endpoint keeps working.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Examples
//
//	acc := NewSecureTokenAccumulator()
//	defer acc.Destroy()
//
//	acc.Write("The window ")
//	acc.Write("closes May 1.")
//	answer, hash, _ := acc.Finalize()
//
// # Limitations
//
//   - Buffer capacity is fixed; an overflowed accumulator cannot recover.
//   - An accumulator cannot be reused after Finalize or Destroy.
type TokenAccumulator interface {
	// Write appends one delta. Bytes are hashed as they arrive.
	// Returns an error after overflow or destruction.
	Write(token string) error

	// Finalize returns the accumulated answer and its SHA-256 hash
	// (hex, 64 chars), then wipes the buffer. Call at most once.
	Finalize() (answer string, hash string, err error)

	// Destroy wipes the buffer without returning data. Use on error
	// paths. Idempotent.
	Destroy()

	// ID returns the accumulator's instance id, for log correlation.
	ID() string

	// CreatedAt returns when this accumulator was created.
	CreatedAt() time.Time
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureTokenAccumulator stores deltas in mlocked memory.
//
// memguard's LockedBuffer provides mlock (no swapping), guard pages, and
// canary checks, plus explicit zeroing on Destroy. The incremental hash
// means bytes are never sitting unhashed waiting for finalization.
type secureTokenAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Plain Fallback Implementation
// =============================================================================

// plainTokenAccumulator is the fallback for hosts without sufficient
// mlock limits. Same contract, standard Go memory: data may swap to
// disk and wiping is best-effort under the garbage collector.
type plainTokenAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructors
// =============================================================================

// NewSecureTokenAccumulator returns an accumulator backed by mlocked
// memory when the host allows it, or a plain buffer otherwise.
//
// # Description
//
// The first call initializes memguard and probes RLIMIT_MEMLOCK. When
// the limit is below MinMlockLimitKB the constructor logs a warning and
// degrades to the plain implementation rather than failing the request;
// answer accumulation is a streaming-path concern and must not take the
// endpoint down over host tuning.
//
// # Outputs
//
//   - TokenAccumulator: Ready for use, secure or plain per host limits.
func NewSecureTokenAccumulator() TokenAccumulator {
	initMemguard()

	if !mlockSufficient {
		slog.Warn("mlock limit insufficient, falling back to plain accumulator",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newPlainTokenAccumulator()
	}

	return newSecureBufferAccumulator()
}

// newSecureBufferAccumulator allocates the mlocked buffer. memguard
// buffers start immutable; Melt makes this one writable.
func newSecureBufferAccumulator() TokenAccumulator {
	buf := memguard.NewBuffer(SecureBufferSize)
	buf.Melt()

	accID := uuid.New().String()

	slog.Debug("Created secure token accumulator",
		"accumulator_id", accID,
		"buffer_size", SecureBufferSize,
	)

	return &secureTokenAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}
}

func newPlainTokenAccumulator() TokenAccumulator {
	accID := uuid.New().String()

	slog.Warn("Created plain token accumulator, data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &plainTokenAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, SecureBufferSize),
		hasher:    sha256.New(),
	}
}

// =============================================================================
// secureTokenAccumulator Methods
// =============================================================================

// Write copies the delta into the mlocked buffer and updates the hash.
func (a *secureTokenAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow, response too large")
	}

	tokenBytes := []byte(token)
	if a.offset+len(tokenBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), SecureBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], tokenBytes)
	a.offset += len(tokenBytes)
	a.hasher.Write(tokenBytes)

	return nil
}

// Finalize copies the answer out of secure memory, returns it with its
// hash, and wipes the buffer.
func (a *secureTokenAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized secure token accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
		"hash", hashStr[:16]+"...",
	)

	return answer, hashStr, nil
}

func (a *secureTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipe()
	slog.Debug("Destroyed secure token accumulator", "accumulator_id", a.id)
}

func (a *secureTokenAccumulator) ID() string {
	return a.id
}

func (a *secureTokenAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// wipe destroys the locked buffer and marks the accumulator dead.
// Callers must hold a.mu.
func (a *secureTokenAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// plainTokenAccumulator Methods
// =============================================================================

func (a *plainTokenAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow, response too large")
	}

	tokenBytes := []byte(token)
	if len(a.data)+len(tokenBytes) > SecureBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(tokenBytes), SecureBufferSize-len(a.data))
	}

	a.data = append(a.data, tokenBytes...)
	a.hasher.Write(tokenBytes)

	return nil
}

func (a *plainTokenAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	answer := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized plain token accumulator",
		"accumulator_id", a.id,
		"answer_length", len(answer),
	)

	return answer, hashStr, nil
}

func (a *plainTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipe()
	slog.Debug("Destroyed plain token accumulator", "accumulator_id", a.id)
}

func (a *plainTokenAccumulator) ID() string {
	return a.id
}

func (a *plainTokenAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// wipe zeroes the slice before releasing it. Best effort: the GC may
// have already copied the backing array. Callers must hold a.mu.
func (a *plainTokenAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization
// =============================================================================

// initMemguard performs one-time memguard setup and records whether the
// host's mlock limit can hold a secure buffer.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()

		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit below secure buffer requirement, streaming will use plain buffers",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		}
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK and compares it against the
// secure buffer requirement.
//
// # Outputs
//
//   - bool: True if the limit is sufficient (>= MinMlockLimitKB).
//   - int64: Current limit in kilobytes, -1 if unlimited or unknown.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// =============================================================================
// Utility Functions
// =============================================================================

// IsMlockAvailable reports whether secure memory is available and the
// current mlock limit in KB (-1 if unlimited).
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown; memguard.CatchInterrupt covers SIGINT/SIGTERM.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
