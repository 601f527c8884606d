package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
)

// =============================================================================
// Model Warmup
// =============================================================================

// ModelWarmupConfig specifies how to pre-load one model.
type ModelWarmupConfig struct {
	// Model is the model name (e.g., "granite4:micro-h").
	Model string

	// KeepAlive controls how long the model stays loaded.
	// "-1" = infinite (recommended when several models share the server),
	// "5m" = five minutes.
	KeepAlive string

	// Priority determines loading order. Higher = load first.
	Priority int

	// NumCtx is the context window size for this model. Zero leaves the
	// server default in place.
	NumCtx int
}

// ManagedModel tracks a warmed model's lifecycle state.
type ManagedModel struct {
	Name         string        `json:"name"`
	KeepAlive    string        `json:"keep_alive"`
	IsLoaded     bool          `json:"is_loaded"`
	LoadedAt     time.Time     `json:"loaded_at"`
	LoadDuration time.Duration `json:"load_duration"`
}

// ModelWarmer pre-loads Ollama models into VRAM so the first real request
// does not pay cold-start latency.
//
// # Description
//
// Ollama unloads models when a different model is requested, which causes
// thrashing when a fast classifier model and a strong synthesis model
// alternate on the same server. ModelWarmer loads each model with a
// keep_alive setting and tracks what is resident.
//
// # Thread Safety
//
// ModelWarmer is safe for concurrent use.
type ModelWarmer struct {
	client *OllamaClient
	models map[string]*ManagedModel
	mu     sync.RWMutex
}

// NewModelWarmer creates a warmer bound to an Ollama client.
func NewModelWarmer(client *OllamaClient) *ModelWarmer {
	return &ModelWarmer{
		client: client,
		models: make(map[string]*ManagedModel),
	}
}

// WarmModels pre-loads models in priority order, highest first.
//
// Models are loaded sequentially to avoid VRAM contention. If VRAM is
// insufficient, later models may evict earlier ones.
func (w *ModelWarmer) WarmModels(ctx context.Context, configs []ModelWarmupConfig) error {
	if len(configs) == 0 {
		return nil
	}

	sorted := make([]ModelWarmupConfig, len(configs))
	copy(sorted, configs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	slog.Info("Warming models", "count", len(sorted))

	for _, cfg := range sorted {
		if err := w.WarmModel(ctx, cfg.Model, cfg.KeepAlive, cfg.NumCtx); err != nil {
			slog.Error("Failed to warm model", "model", cfg.Model, "error", err)
			return fmt.Errorf("warming model %s: %w", cfg.Model, err)
		}
	}

	return nil
}

// WarmModel loads one model by sending a minimal ping request with the
// given keep_alive setting.
func (w *ModelWarmer) WarmModel(ctx context.Context, model string, keepAlive string, numCtx int) error {
	startTime := time.Now()

	slog.Info("Warming model", "model", model, "keep_alive", keepAlive, "num_ctx", numCtx)

	options := make(map[string]interface{})
	if numCtx > 0 {
		options["num_ctx"] = numCtx
	}

	req := ollamaChatRequest{
		Model: model,
		Messages: []datatypes.Message{
			{Role: "user", Content: "ping"},
		},
		Stream:    false,
		KeepAlive: keepAlive,
		Options:   options,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling warmup request: %w", err)
	}

	chatURL := w.client.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("creating warmup request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending warmup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("warmup failed with status %d: %s", resp.StatusCode, string(body))
	}
	_, _ = io.ReadAll(resp.Body)

	loadDuration := time.Since(startTime)

	w.mu.Lock()
	w.models[model] = &ManagedModel{
		Name:         model,
		KeepAlive:    keepAlive,
		IsLoaded:     true,
		LoadedAt:     time.Now(),
		LoadDuration: loadDuration,
	}
	w.mu.Unlock()

	slog.Info("Model warmed successfully", "model", model, "load_duration", loadDuration)
	return nil
}

// LoadedModels returns a snapshot of the models this warmer has loaded.
func (w *ModelWarmer) LoadedModels() []ManagedModel {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]ManagedModel, 0, len(w.models))
	for _, m := range w.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
