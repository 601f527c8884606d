// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	defaultEmbedCacheTTL = 24 * time.Hour
	embedCachePrefix     = "emb:"
)

// EmbedCacheConfig configures the Badger-backed embedding cache.
type EmbedCacheConfig struct {
	// Path is the directory for Badger files. Ignored when InMemory is true.
	Path string

	// InMemory keeps the cache off disk. Useful for testing.
	InMemory bool

	// TTL is how long a cached vector stays valid. Default 24h.
	TTL time.Duration
}

// EmbedCacheConfigFromEnv builds a config from EMBED_CACHE_DIR and
// EMBED_CACHE_TTL_HOURS. An empty EMBED_CACHE_DIR means the cache is
// disabled; callers should skip wrapping in that case.
func EmbedCacheConfigFromEnv() EmbedCacheConfig {
	cfg := EmbedCacheConfig{
		Path: os.Getenv("EMBED_CACHE_DIR"),
		TTL:  defaultEmbedCacheTTL,
	}
	if raw := os.Getenv("EMBED_CACHE_TTL_HOURS"); raw != "" {
		if h, err := strconv.Atoi(raw); err == nil && h > 0 {
			cfg.TTL = time.Duration(h) * time.Hour
		} else {
			slog.Warn("Invalid EMBED_CACHE_TTL_HOURS, using default",
				"provided", raw, "default", cfg.TTL.String())
		}
	}
	return cfg
}

// CachedEmbedder wraps an Embedder with a Badger-backed vector cache.
//
// # Description
//
// Repeated questions are common in governance Q&A (deadline checks, the
// same eligibility question from many athletes), so query embeddings are
// cached keyed by a hash of the normalized text. Cache failures are logged
// and treated as misses; they never fail a query.
//
// # Thread Safety
//
// CachedEmbedder is safe for concurrent use. Badger transactions handle
// their own locking.
type CachedEmbedder struct {
	inner Embedder
	db    *badger.DB
	ttl   time.Duration
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder opens the cache database and wraps inner with it.
//
// # Inputs
//
//   - inner: The embedder to consult on cache misses.
//   - cfg: Cache configuration. Path is required unless InMemory is true.
//
// # Outputs
//
//   - *CachedEmbedder: Ready to use. Caller must Close() when done.
//   - error: Non-nil if the database cannot be opened.
func NewCachedEmbedder(inner Embedder, cfg EmbedCacheConfig) (*CachedEmbedder, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultEmbedCacheTTL
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("embed cache path is required for persistent mode")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create embed cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embed cache: %w", err)
	}

	return &CachedEmbedder{inner: inner, db: db, ttl: cfg.TTL}, nil
}

// Embed returns the cached vector for text, or computes and caches it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := embedCacheKey(text)
	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.store(key, vec)
	return vec, nil
}

// Close releases the underlying Badger database.
func (c *CachedEmbedder) Close() error {
	return c.db.Close()
}

func (c *CachedEmbedder) lookup(key []byte) ([]float32, bool) {
	var vec []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vec = decodeVector(val)
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			slog.Warn("Embed cache lookup failed", "error", err)
		}
		return nil, false
	}
	if len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

func (c *CachedEmbedder) store(key []byte, vec []float32) {
	entry := badger.NewEntry(key, encodeVector(vec)).WithTTL(c.ttl)
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
	if err != nil {
		slog.Warn("Embed cache store failed", "error", err)
	}
}

// embedCacheKey hashes normalized text so trivial whitespace and case
// variants share an entry.
func embedCacheKey(text string) []byte {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))

	key := make([]byte, 0, len(embedCachePrefix)+len(sum))
	key = append(key, embedCachePrefix...)
	key = append(key, sum[:]...)
	return key
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(val []byte) []float32 {
	if len(val) == 0 || len(val)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(val)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.BigEndian.Uint32(val[i*4:]))
	}
	return vec
}
