package chat

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/fpang/depth-curator/internal/auth"
	"github.com/fpang/depth-curator/internal/config"
	"github.com/rs/zerolog/log"
)

// Detector answers a question about a single frame.
type Detector interface {
	Detect(ctx context.Context, frame image.Image, instruction string) (string, error)
}

// NewDetector builds the backend named by cfg.Detector. The Gemini backend
// resolves its API key through auth.GetAPIKey and validates it once.
func NewDetector(ctx context.Context, cfg config.Config) (Detector, error) {
	switch cfg.Detector {
	case config.DetectorOllama:
		model := cfg.Model
		if model == "" || strings.HasPrefix(model, "gemini") {
			model = DefaultOllamaModel
		}
		log.Info().Str("url", cfg.OllamaURL).Str("model", model).Msg("Using Ollama content detector")
		return NewOllamaDetector(cfg.OllamaURL, model, cfg.DetectTimeout), nil

	case config.DetectorGemini, "":
		apiKey, err := auth.GetAPIKey(ctx, auth.KeySource{SSMParam: cfg.SSMAPIKeyParam})
		if err != nil {
			return nil, err
		}
		client, err := NewGeminiClient(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		model := cfg.Model
		if model == "" {
			model = GetModelName()
		}
		if err := auth.ValidateAPIKey(ctx, client, model); err != nil {
			return nil, err
		}
		log.Info().Str("model", model).Msg("Using Gemini content detector")
		return NewGeminiDetector(client, model), nil
	}
	return nil, fmt.Errorf("unknown detector %q", cfg.Detector)
}
