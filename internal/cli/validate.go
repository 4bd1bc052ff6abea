package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fpang/depth-curator/internal/auth"
	"github.com/rs/zerolog/log"
)

// ResolveFile checks that the path exists and is a regular file, then
// returns its absolute path.
func ResolveFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to access %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path, nil
}

// ValidationMessage returns the operator-facing explanation for a detector
// credential failure.
func ValidationMessage(err error) string {
	var validationErr *auth.ValidationError
	if !errors.As(err, &validationErr) {
		return "Content detector setup failed"
	}
	switch validationErr.Type {
	case auth.ErrTypeNoKey:
		return "No API key configured. Set GEMINI_API_KEY, ssm_api_key_param, or use --detector ollama"
	case auth.ErrTypeInvalidKey:
		return "Invalid API key. Please check your API key and try again"
	case auth.ErrTypeNetworkError:
		return "Network error. Please check your internet connection"
	case auth.ErrTypeQuotaExceeded:
		return "API quota exceeded. Please try again later or check your usage limits"
	default:
		return "API key validation failed"
	}
}

// HandleValidationError logs the detector setup failure and exits.
func HandleValidationError(err error) {
	log.Error().Err(err).Msg(ValidationMessage(err))
	log.Info().Msg("Disable content filtering with --disable content_filter to run without a detector")
	os.Exit(1)
}
