package chat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fpang/depth-curator/internal/assets"
	"github.com/fpang/depth-curator/internal/metrics"
	"github.com/rs/zerolog/log"
)

// DefaultOllamaURL is the address of a local Ollama server.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaDetector calls a local Ollama server's chat endpoint with the frame attached.
type OllamaDetector struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaDetector creates a detector for the server at baseURL.
func NewOllamaDetector(baseURL, model string, timeout time.Duration) *OllamaDetector {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaDetector{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
}

type ollamaResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error,omitempty"`
}

// Detect sends the frame with instruction and returns the reply content.
func (d *OllamaDetector) Detect(ctx context.Context, frame image.Image, instruction string) (string, error) {
	data, err := encodeFrame(frame)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(ollamaRequest{
		Model: d.model,
		Messages: []ollamaMessage{{
			Role:    "system",
			Content: assets.DetectorSystemPrompt(),
		}, {
			Role:    "user",
			Content: instruction,
			Images:  []string{base64.StdEncoding.EncodeToString(data)},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.httpClient.Do(httpReq)
	elapsed := time.Since(start)
	metrics.New(metrics.Namespace).
		Dimension("Detector", "ollama").
		Duration("DetectorLatencyMs", elapsed).
		Count("DetectorRequests").
		Flush()
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Error().
			Int("status", resp.StatusCode).
			Str("body", truncateString(string(respBody), 500)).
			Msg("Ollama chat API returned error")
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncateString(string(respBody), 200))
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("API error: %s", parsed.Error)
	}

	log.Debug().
		Str("model", d.model).
		Dur("duration", elapsed).
		Str("verdict", truncateString(parsed.Message.Content, 80)).
		Msg("Ollama content detection complete")
	return parsed.Message.Content, nil
}
