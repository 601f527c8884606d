package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// ErrStreamingNotSupported is returned by backends that cannot stream.
// Callers should fall back to Chat and deliver the answer in one piece.
var ErrStreamingNotSupported = errors.New("streaming not supported by this backend")

// ToolDefinition describes a tool the model may call, in JSON Schema form.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema"`
}

// GenerationParams carries per-call sampling and budget knobs. Nil pointer
// fields mean "use the backend's default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	EnableThinking  bool             `json:"enable_thinking,omitempty"`
	BudgetTokens    int              `json:"budget_tokens,omitempty"`
	ToolDefinitions []ToolDefinition `json:"tool_definitions,omitempty"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate produces a completion for a single prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat produces a completion for a full message history.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream produces a completion token by token, invoking callback for
	// each event. Backends without streaming return ErrStreamingNotSupported.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams,
		callback StreamCallback) error
}

// Compile-time interface checks for every backend.
var (
	_ LLMClient = (*OllamaClient)(nil)
	_ LLMClient = (*OpenAIClient)(nil)
	_ LLMClient = (*AnthropicClient)(nil)
	_ LLMClient = (*LocalLlamaCppClient)(nil)
)

// NewClientFromEnv constructs the backend named by LLM_PROVIDER.
//
// # Description
//
// Recognized providers are "ollama", "openai", "anthropic", and "local".
// An empty value falls back to ollama, which is the default deployment
// target; an unrecognized value is an error rather than a silent fallback.
//
// # Outputs
//
//   - LLMClient: The constructed backend.
//   - error: Non-nil if the backend's own constructor fails (for example a
//     missing API key or base URL).
func NewClientFromEnv() (LLMClient, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))

	switch provider {
	case "", "ollama":
		return NewOllamaClient()
	case "openai":
		return NewOpenAIClient()
	case "anthropic":
		return NewAnthropicClient()
	case "local", "llamacpp":
		return NewLocalLlamaCppClient()
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q (want ollama, openai, anthropic, or local)", provider)
	}
}
