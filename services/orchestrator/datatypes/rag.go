package datatypes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type EmbeddingRequest struct {
	Text string `json:"text"`
}

type EmbeddingResponse struct {
	Id        string    `json:"id"`
	Timestamp int       `json:"timestamp"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim"`
}

type ConversationProperties struct {
	SessionId     string   `json:"session_id"`
	Question      string   `json:"question"`
	Answer        string   `json:"answer"`
	TopicDomain   string   `json:"topic_domain"`
	TurnNumber    int      `json:"turn_number"`
	Timestamp     int64    `json:"timestamp"`
	PIICategories []string `json:"pii_categories"`
}

type SessionProperties struct {
	SessionId string `json:"session_id"`
	Summary   string `json:"summary"`
	Timestamp int64  `json:"timestamp"`
}

var httpClient = &http.Client{
	Timeout: 30 * time.Second,
}

// Get fills e with the embedding for text from the embedding service at
// EMBEDDING_SERVICE_URL. The service returns the vector plus its dimension;
// callers only need Vector.
func (e *EmbeddingResponse) Get(ctx context.Context, text string) error {
	embeddingServiceURL := os.Getenv("EMBEDDING_SERVICE_URL")
	if embeddingServiceURL == "" {
		return fmt.Errorf("EMBEDDING_SERVICE_URL environment variable not set")
	}

	embReq := EmbeddingRequest{Text: text}
	reqBody, err := json.Marshal(embReq)
	if err != nil {
		return fmt.Errorf("failed to marshal the embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, embeddingServiceURL,
		bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to setup a new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make the request to the embedding service: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			slog.Warn("Failed to close embedding service response body", "error", err)
		}
	}(resp.Body)

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("the response was not a 200 OK from the embedding service: %s, "+
			"%d", string(bodyBytes), resp.StatusCode)
	}

	if err := json.Unmarshal(bodyBytes, &e); err != nil {
		return fmt.Errorf("failed to parse the response from the embedding service %w", err)
	}
	return nil
}
