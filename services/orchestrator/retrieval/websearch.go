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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/resilience"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var webTracer = otel.Tracer("rulebook.orchestrator.websearch")

const (
	defaultWebSearchTimeout    = 15 * time.Second
	defaultWebSearchRetries    = 2
	defaultWebSearchMaxResults = 5
	defaultWebSearchBackoff    = 500 * time.Millisecond
	defaultWebSearchRate       = 2.0
	maxWebSearchErrorBody      = 4096
)

// WebSearchConfig configures the external web search client.
type WebSearchConfig struct {
	// BaseURL is the search endpoint. Required.
	BaseURL string

	// APIKey is sent in the request body, Tavily style.
	APIKey string

	// MaxResults caps results per query.
	MaxResults int

	// IncludeDomains restricts results to these domains when non-empty.
	IncludeDomains []string

	// Timeout bounds one full search, retries included.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt. Only
	// transport errors, 429 and 5xx responses are retried.
	MaxRetries int

	// RetryBackoff is the delay before the first retry, doubled each
	// subsequent retry.
	RetryBackoff time.Duration

	// RatePerSecond is the request budget toward the provider. Zero
	// disables rate limiting.
	RatePerSecond float64
}

// WebSearchConfigFromEnv builds a config from WEB_SEARCH_* environment
// variables, with production defaults for everything unset.
func WebSearchConfigFromEnv() WebSearchConfig {
	cfg := WebSearchConfig{
		BaseURL:       os.Getenv("WEB_SEARCH_URL"),
		APIKey:        os.Getenv("WEB_SEARCH_API_KEY"),
		MaxResults:    defaultWebSearchMaxResults,
		Timeout:       defaultWebSearchTimeout,
		MaxRetries:    defaultWebSearchRetries,
		RetryBackoff:  defaultWebSearchBackoff,
		RatePerSecond: defaultWebSearchRate,
	}

	if raw := os.Getenv("WEB_SEARCH_MAX_RESULTS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.MaxResults = n
		} else {
			slog.Warn("Invalid WEB_SEARCH_MAX_RESULTS, using default",
				"provided", raw, "default", cfg.MaxResults)
		}
	}

	if raw := os.Getenv("WEB_SEARCH_INCLUDE_DOMAINS"); raw != "" {
		for _, domain := range strings.Split(raw, ",") {
			if domain = strings.TrimSpace(domain); domain != "" {
				cfg.IncludeDomains = append(cfg.IncludeDomains, domain)
			}
		}
	}

	return cfg
}

// WebSearchClient calls a Tavily-style JSON search API.
//
// # Description
//
// The researcher stage uses this client to fetch external corroboration
// when the curated corpus answers weakly. Requests are rate limited toward
// the provider and retried with exponential backoff on transient failures.
//
// # Thread Safety
//
// WebSearchClient is safe for concurrent use.
type WebSearchClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
	config     WebSearchConfig
}

var _ WebSearcher = (*WebSearchClient)(nil)

// NewWebSearchClient creates a web search client.
//
// # Inputs
//
//   - cfg: Client configuration. BaseURL is required.
//   - breaker: Circuit breaker guarding the provider. May be nil.
//
// # Outputs
//
//   - *WebSearchClient: Ready to use client.
//   - error: Non-nil when BaseURL is empty.
func NewWebSearchClient(cfg WebSearchConfig, breaker *resilience.Breaker) (*WebSearchClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("web search URL is not configured")
	}
	if cfg.MaxResults < 1 {
		cfg.MaxResults = defaultWebSearchMaxResults
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebSearchTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultWebSearchBackoff
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &WebSearchClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		breaker:    breaker,
		config:     cfg,
	}, nil
}

type webSearchRequest struct {
	APIKey         string   `json:"api_key,omitempty"`
	Query          string   `json:"query"`
	MaxResults     int      `json:"max_results"`
	SearchDepth    string   `json:"search_depth"`
	IncludeDomains []string `json:"include_domains,omitempty"`
}

type webSearchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs one web search for query.
//
// # Outputs
//
//   - []datatypes.WebSearchResult: Provider results with empty hits
//     dropped. May be empty.
//   - error: RetrievalError on provider failure, CircuitOpenError when the
//     breaker rejects, or the context error on cancellation.
func (c *WebSearchClient) Search(ctx context.Context, query string) ([]datatypes.WebSearchResult, error) {
	ctx, span := webTracer.Start(ctx, "WebSearch")
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("web search rate limit wait: %w", err)
		}
	}

	var results []datatypes.WebSearchResult
	call := func(ctx context.Context) error {
		var callErr error
		results, callErr = c.searchWithRetry(ctx, query)
		return callErr
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, c.config.Timeout, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}

	slog.Debug("Web search complete", "results", len(results))
	return results, nil
}

// searchWithRetry runs the request with bounded retries. Permanent failures
// (4xx other than 429) fail immediately.
func (c *WebSearchClient) searchWithRetry(ctx context.Context, query string) ([]datatypes.WebSearchResult, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.RetryBackoff << uint(attempt-1)
			slog.Debug("Retrying web search", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		results, err := c.fetch(ctx, query)
		if err == nil {
			return results, nil
		}
		lastErr = err

		var re *RetrievalError
		if errors.As(err, &re) && !re.Retryable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *WebSearchClient) fetch(ctx context.Context, query string) ([]datatypes.WebSearchResult, error) {
	payload := webSearchRequest{
		APIKey:         c.config.APIKey,
		Query:          query,
		MaxResults:     c.config.MaxResults,
		SearchDepth:    "basic",
		IncludeDomains: c.config.IncludeDomains,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode web search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create web search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RetrievalError{
			Op:        "web_search",
			Message:   "request failed",
			Retryable: true,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebSearchErrorBody))
		return nil, &RetrievalError{
			Op:         "web_search",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var parsed webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &RetrievalError{
			Op:      "web_search",
			Message: "invalid response body",
			Err:     err,
		}
	}

	results := make([]datatypes.WebSearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL == "" && r.Content == "" {
			continue
		}
		results = append(results, datatypes.WebSearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Score:   r.Score,
		})
	}
	return results, nil
}
