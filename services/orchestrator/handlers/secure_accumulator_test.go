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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test: Write
// =============================================================================

func TestTokenAccumulator_Write_SingleToken(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	err := acc.Write("Hello")
	require.NoError(t, err, "Write should succeed")

	answer, _, err := acc.Finalize()
	require.NoError(t, err, "Finalize should succeed")
	assert.Equal(t, "Hello", answer)
}

func TestTokenAccumulator_Write_MultipleTokens(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	tokens := []string{"Hello", " ", "world", "!"}
	for _, token := range tokens {
		err := acc.Write(token)
		require.NoError(t, err, "Write should succeed for token: %q", token)
	}

	answer, _, err := acc.Finalize()
	require.NoError(t, err, "Finalize should succeed")
	assert.Equal(t, "Hello world!", answer, "Answer should concatenate all tokens")
}

func TestTokenAccumulator_Write_EmptyToken(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write(""), "Empty token write should succeed")
	require.NoError(t, acc.Write("Hello"), "Write after empty should succeed")

	answer, _, err := acc.Finalize()
	require.NoError(t, err, "Finalize should succeed")
	assert.Equal(t, "Hello", answer)
}

func TestTokenAccumulator_Write_UnicodeTokens(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	tokens := []string{"натуральная", " ", "карточка", " 🏅"}
	expected := "натуральная карточка 🏅"

	for _, token := range tokens {
		require.NoError(t, acc.Write(token), "Write should succeed for unicode token")
	}

	answer, _, err := acc.Finalize()
	require.NoError(t, err, "Finalize should succeed")
	assert.Equal(t, expected, answer, "Answer should preserve Unicode")
}

func TestTokenAccumulator_Write_AfterDestroy(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	acc.Destroy()

	err := acc.Write("Hello")
	assert.Error(t, err, "Write after Destroy should fail")
	assert.Contains(t, err.Error(), "destroyed")
}

func TestTokenAccumulator_Write_AfterFinalize(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	_, _, err := acc.Finalize()
	require.NoError(t, err, "Finalize should succeed")

	err = acc.Write("Hello")
	assert.Error(t, err, "Write after Finalize should fail")
	assert.Contains(t, err.Error(), "destroyed")
}

// =============================================================================
// Test: Finalize
// =============================================================================

func TestTokenAccumulator_Finalize_ReturnsCorrectHash(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	content := "Hello, World!"
	require.NoError(t, acc.Write(content))

	answer, hash, err := acc.Finalize()
	require.NoError(t, err, "Finalize should succeed")
	assert.Equal(t, content, answer)

	expectedHash := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(expectedHash[:]), hash,
		"Hash should match SHA-256 of content")
}

// Incrementally hashing deltas must produce the same digest as hashing
// the assembled answer once.
func TestTokenAccumulator_Finalize_IncrementalHashMatchesFinalHash(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	tokens := []string{"The ", "quick ", "brown ", "fox ", "jumps."}
	fullContent := "The quick brown fox jumps."

	for _, token := range tokens {
		require.NoError(t, acc.Write(token))
	}

	_, hash, err := acc.Finalize()
	require.NoError(t, err, "Finalize should succeed")

	expectedHash := sha256.Sum256([]byte(fullContent))
	assert.Equal(t, hex.EncodeToString(expectedHash[:]), hash,
		"Incremental hash should match full content hash")
}

func TestTokenAccumulator_Finalize_HashIs64Characters(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("test"))

	_, hash, err := acc.Finalize()
	require.NoError(t, err, "Finalize should succeed")

	assert.Len(t, hash, 64, "SHA-256 hex hash should be 64 characters")
	_, err = hex.DecodeString(hash)
	assert.NoError(t, err, "Hash should be valid hex string")
}

func TestTokenAccumulator_Finalize_EmptyContent(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	answer, hash, err := acc.Finalize()
	require.NoError(t, err, "Finalize with no content should succeed")
	assert.Empty(t, answer)

	expectedHash := sha256.Sum256([]byte(""))
	assert.Equal(t, hex.EncodeToString(expectedHash[:]), hash,
		"Hash should match SHA-256 of empty string")
}

func TestTokenAccumulator_Finalize_CannotCallTwice(t *testing.T) {
	acc := NewSecureTokenAccumulator()

	require.NoError(t, acc.Write("Hello"))

	_, _, err := acc.Finalize()
	require.NoError(t, err, "First Finalize should succeed")

	_, _, err = acc.Finalize()
	assert.Error(t, err, "Second Finalize should fail")
	assert.Contains(t, err.Error(), "destroyed")
}

// =============================================================================
// Test: Destroy
// =============================================================================

func TestTokenAccumulator_Destroy_IsIdempotent(t *testing.T) {
	acc := NewSecureTokenAccumulator()

	require.NoError(t, acc.Write("Hello"))

	acc.Destroy()
	acc.Destroy()
	acc.Destroy()
}

func TestTokenAccumulator_Destroy_PreventsSubsequentOperations(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	acc.Destroy()

	assert.Error(t, acc.Write("Hello"), "Write after Destroy should fail")

	_, _, err := acc.Finalize()
	assert.Error(t, err, "Finalize after Destroy should fail")
}

// =============================================================================
// Test: ID and CreatedAt
// =============================================================================

func TestTokenAccumulator_ID_IsValidUUID(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	id := acc.ID()
	assert.NotEmpty(t, id)

	_, err := uuid.Parse(id)
	assert.NoError(t, err, "ID should be a valid UUID")
}

func TestTokenAccumulator_ID_UniquePerInstance(t *testing.T) {
	acc1 := NewSecureTokenAccumulator()
	defer acc1.Destroy()

	acc2 := NewSecureTokenAccumulator()
	defer acc2.Destroy()

	assert.NotEqual(t, acc1.ID(), acc2.ID(), "Each accumulator should have a unique ID")
}

func TestTokenAccumulator_CreatedAt_IsRecent(t *testing.T) {
	before := time.Now()

	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	after := time.Now()

	createdAt := acc.CreatedAt()
	assert.False(t, createdAt.Before(before), "CreatedAt should not precede construction")
	assert.False(t, createdAt.After(after), "CreatedAt should not follow construction")
}

// =============================================================================
// Test: Buffer Overflow
// =============================================================================

func TestTokenAccumulator_Write_Overflow(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	oversized := make([]byte, SecureBufferSize+1)
	for i := range oversized {
		oversized[i] = 'A'
	}

	err := acc.Write(string(oversized))
	assert.Error(t, err, "Write should fail when exceeding buffer size")
	assert.Contains(t, err.Error(), "overflow")
}

func TestTokenAccumulator_Write_GradualOverflow(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	chunk := make([]byte, 1024)
	for i := range chunk {
		chunk[i] = 'X'
	}

	var err error
	for i := 0; i < SecureBufferSize/1024+10; i++ {
		err = acc.Write(string(chunk))
		if err != nil {
			break
		}
	}

	assert.Error(t, err, "Should eventually overflow")
	assert.Contains(t, err.Error(), "overflow")
}

func TestTokenAccumulator_Finalize_AfterOverflow(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	oversized := make([]byte, SecureBufferSize+1)
	for i := range oversized {
		oversized[i] = 'A'
	}
	_ = acc.Write(string(oversized))

	_, _, err := acc.Finalize()
	assert.Error(t, err, "Finalize after overflow should fail")
}

// =============================================================================
// Test: Concurrency
// =============================================================================

func TestTokenAccumulator_Concurrent_WritesAreSafe(t *testing.T) {
	acc := NewSecureTokenAccumulator()
	defer acc.Destroy()

	numWriters := 10
	tokensPerWriter := 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < tokensPerWriter; j++ {
				_ = acc.Write(fmt.Sprintf("[%d:%d]", writerID, j))
			}
		}(i)
	}

	wg.Wait()

	answer, hash, err := acc.Finalize()
	assert.NoError(t, err, "Finalize should succeed after concurrent writes")
	assert.NotEmpty(t, answer)
	assert.Len(t, hash, 64)
}

func TestTokenAccumulator_Concurrent_WriteAndDestroy(t *testing.T) {
	for i := 0; i < 100; i++ {
		acc := NewSecureTokenAccumulator()

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = acc.Write("token")
			}
		}()

		go func() {
			defer wg.Done()
			time.Sleep(time.Microsecond * 10)
			acc.Destroy()
		}()

		wg.Wait()
	}
}

// =============================================================================
// Test: Plain Fallback
// =============================================================================

// The plain accumulator must honor the same contract as the secure one,
// since hosts without mlock headroom get it transparently.
func TestPlainAccumulator_SameContract(t *testing.T) {
	acc := newPlainTokenAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello"))
	require.NoError(t, acc.Write(" World"))

	answer, hash, err := acc.Finalize()
	require.NoError(t, err, "Finalize should succeed")
	assert.Equal(t, "Hello World", answer)

	expectedHash := sha256.Sum256([]byte("Hello World"))
	assert.Equal(t, hex.EncodeToString(expectedHash[:]), hash)
}

func TestPlainAccumulator_Overflow(t *testing.T) {
	acc := newPlainTokenAccumulator()
	defer acc.Destroy()

	oversized := make([]byte, SecureBufferSize+1)
	err := acc.Write(string(oversized))
	assert.Error(t, err, "Write should fail when exceeding capacity")

	_, _, err = acc.Finalize()
	assert.Error(t, err, "Finalize after overflow should fail")
}

func TestPlainAccumulator_HasUniqueID(t *testing.T) {
	acc1 := newPlainTokenAccumulator()
	defer acc1.Destroy()

	acc2 := newPlainTokenAccumulator()
	defer acc2.Destroy()

	assert.NotEqual(t, acc1.ID(), acc2.ID())

	_, err := uuid.Parse(acc1.ID())
	assert.NoError(t, err, "ID should be valid UUID")
}

// =============================================================================
// Test: Utility Functions
// =============================================================================

func TestIsMlockAvailable_ReturnsConsistentResults(t *testing.T) {
	available1, limit1 := IsMlockAvailable()
	available2, limit2 := IsMlockAvailable()

	assert.Equal(t, available1, available2, "Availability should be consistent")
	assert.Equal(t, limit1, limit2, "Limit should be consistent")
}
