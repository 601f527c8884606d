package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// =============================================================================
// Stream Event Types
// =============================================================================

// StreamEventType identifies the kind of event emitted during streaming.
type StreamEventType string

const (
	// StreamEventToken is a fragment of the assistant's answer text.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking is a fragment of the model's reasoning trace.
	// Only emitted by backends that expose thinking and only when the
	// stream config does not redact it.
	StreamEventThinking StreamEventType = "thinking"

	// StreamEventDone marks the end of a successful stream.
	StreamEventDone StreamEventType = "done"

	// StreamEventError carries an error reported inside the stream.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is a single event delivered to a StreamCallback.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StreamCallback receives stream events as they arrive. Returning a non-nil
// error aborts the stream.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Stream Configuration
// =============================================================================

// StreamConfig controls redaction and resource limits during streaming.
type StreamConfig struct {
	// RedactThinking suppresses thinking events entirely when true.
	RedactThinking bool

	// MaxThinkingLength caps the total thinking characters emitted.
	// Zero means unlimited.
	MaxThinkingLength int

	// RateLimitPerSecond caps token events per second. Zero disables
	// rate limiting.
	RateLimitPerSecond int

	// MaxResponseLength caps the total answer characters emitted.
	// Zero means unlimited.
	MaxResponseLength int
}

// DefaultStreamConfig returns the limits used when callers do not supply
// their own config.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		RedactThinking:     false,
		MaxThinkingLength:  0,
		RateLimitPerSecond: 0,
		MaxResponseLength:  100 * 1024,
	}
}

// =============================================================================
// Stream Processor
// =============================================================================

// StreamProcessor consumes raw backend chunks and emits StreamEvents.
type StreamProcessor interface {
	// ProcessChunk handles one chunk, invoking callback for any events it
	// produces. Returns done=true when the stream has ended.
	ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk, callback StreamCallback) (bool, error)
}

// DefaultStreamProcessor applies StreamConfig limits to an NDJSON chunk
// stream. It is not safe for concurrent use; create one per stream.
type DefaultStreamProcessor struct {
	cfg            StreamConfig
	limiter        *rate.Limiter
	tokenCount     int
	responseLength int
	thinkingLength int
}

var _ StreamProcessor = (*DefaultStreamProcessor)(nil)

// NewDefaultStreamProcessor creates a processor for one stream. A nil
// limiter is derived from cfg.RateLimitPerSecond when that is positive.
func NewDefaultStreamProcessor(cfg StreamConfig, limiter *rate.Limiter) *DefaultStreamProcessor {
	if limiter == nil && cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond)
	}
	return &DefaultStreamProcessor{
		cfg:     cfg,
		limiter: limiter,
	}
}

// GetTokenCount returns the number of token events emitted so far.
func (p *DefaultStreamProcessor) GetTokenCount() int {
	return p.tokenCount
}

// GetResponseLength returns the total answer characters emitted so far.
func (p *DefaultStreamProcessor) GetResponseLength() int {
	return p.responseLength
}

// ProcessChunk implements StreamProcessor.
//
// # Description
//
// Error chunks emit a StreamEventError and end the stream with a non-nil
// error. Thinking chunks are redacted or truncated per the config. Content
// chunks are truncated to fit MaxResponseLength before being emitted as
// token events. Callback errors abort the stream.
//
// # Outputs
//
//   - bool: True when the stream has ended (done flag or error chunk).
//   - error: Non-nil for error chunks and callback failures.
func (p *DefaultStreamProcessor) ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk,
	callback StreamCallback) (bool, error) {

	if chunk.Error != "" {
		event := StreamEvent{Type: StreamEventError, Error: chunk.Error}
		if cbErr := callback(event); cbErr != nil {
			return true, fmt.Errorf("stream callback failed: %w", cbErr)
		}
		return true, fmt.Errorf("stream error from backend: %s", chunk.Error)
	}

	if chunk.Thinking != "" && !p.cfg.RedactThinking {
		content := chunk.Thinking
		if p.cfg.MaxThinkingLength > 0 {
			remaining := p.cfg.MaxThinkingLength - p.thinkingLength
			if remaining <= 0 {
				content = ""
			} else if len(content) > remaining {
				content = content[:remaining]
			}
		}
		if content != "" {
			p.thinkingLength += len(content)
			event := StreamEvent{Type: StreamEventThinking, Content: content}
			if cbErr := callback(event); cbErr != nil {
				return false, fmt.Errorf("stream callback failed: %w", cbErr)
			}
		}
	}

	if chunk.Message.Content != "" {
		content := chunk.Message.Content
		if p.cfg.MaxResponseLength > 0 {
			remaining := p.cfg.MaxResponseLength - p.responseLength
			if remaining <= 0 {
				content = ""
			} else if len(content) > remaining {
				content = content[:remaining]
			}
		}
		if content != "" {
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return false, fmt.Errorf("stream rate limit wait failed: %w", err)
				}
			}
			p.tokenCount++
			p.responseLength += len(content)
			event := StreamEvent{Type: StreamEventToken, Content: content}
			if cbErr := callback(event); cbErr != nil {
				return false, fmt.Errorf("stream callback failed: %w", cbErr)
			}
		}
	}

	return chunk.Done, nil
}
