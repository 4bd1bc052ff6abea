package chat

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/fpang/depth-curator/internal/assets"
	"github.com/fpang/depth-curator/internal/metrics"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// GeminiDetector asks a Gemini model about the content of a frame.
type GeminiDetector struct {
	client *genai.Client
	model  string
}

// NewGeminiDetector wraps an existing genai client.
func NewGeminiDetector(client *genai.Client, model string) *GeminiDetector {
	if model == "" {
		model = GetModelName()
	}
	return &GeminiDetector{client: client, model: model}
}

// NewGeminiClient creates a genai client for the Gemini API backend.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

// Detect sends the frame with instruction and returns the model's text.
func (d *GeminiDetector) Detect(ctx context.Context, frame image.Image, instruction string) (string, error) {
	data, err := encodeFrame(frame)
	if err != nil {
		return "", err
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: assets.DetectorSystemPrompt()}},
		},
	}
	parts := []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: frameMIMEType, Data: data}},
		{Text: instruction},
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	start := time.Now()
	resp, err := d.client.Models.GenerateContent(ctx, d.model, contents, config)
	elapsed := time.Since(start)

	m := metrics.New(metrics.Namespace).
		Dimension("Detector", "gemini").
		Duration("DetectorLatencyMs", elapsed).
		Count("DetectorRequests")
	if resp != nil && resp.UsageMetadata != nil {
		m.Metric("GeminiInputTokens", float64(resp.UsageMetadata.PromptTokenCount), metrics.UnitCount)
		m.Metric("GeminiOutputTokens", float64(resp.UsageMetadata.CandidatesTokenCount), metrics.UnitCount)
	}
	if err != nil {
		m.Count("DetectorErrors")
	}
	m.Flush()

	if err != nil {
		return "", fmt.Errorf("gemini detection failed: %w", err)
	}

	text := resp.Text()
	log.Debug().
		Str("model", d.model).
		Dur("duration", elapsed).
		Str("verdict", truncateString(text, 80)).
		Msg("Gemini content detection complete")
	return text, nil
}
