package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fpang/depth-curator/internal/metrics"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// ValidationErrorType categorizes API key failures.
type ValidationErrorType int

const (
	ErrTypeNoKey ValidationErrorType = iota
	ErrTypeInvalidKey
	ErrTypeNetworkError
	ErrTypeQuotaExceeded
	ErrTypeUnknown
)

func (t ValidationErrorType) String() string {
	switch t {
	case ErrTypeNoKey:
		return "no_key"
	case ErrTypeInvalidKey:
		return "invalid"
	case ErrTypeNetworkError:
		return "network_error"
	case ErrTypeQuotaExceeded:
		return "quota"
	}
	return "unknown"
}

// ValidationError represents a specific type of API key failure.
type ValidationError struct {
	Type    ValidationErrorType
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ValidateAPIKey makes a minimal request with model to verify the key.
func ValidateAPIKey(ctx context.Context, client *genai.Client, model string) error {
	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, model, genai.Text("hi"), nil)
	elapsed := time.Since(start)

	var result error
	switch {
	case err != nil:
		result = classifyError(err)
	case resp == nil || len(resp.Candidates) == 0:
		result = &ValidationError{Type: ErrTypeUnknown, Message: "API returned empty response"}
	}

	outcome := "success"
	var ve *ValidationError
	if errors.As(result, &ve) {
		outcome = ve.Type.String()
	}
	metrics.New(metrics.Namespace).
		Dimension("Result", outcome).
		Duration("ApiKeyValidationMs", elapsed).
		Count("ApiKeyValidationResult").
		Flush()

	if result != nil {
		log.Error().Err(result).Str("result", outcome).Msg("API key validation failed")
		return result
	}
	log.Info().Dur("duration", elapsed).Msg("API key validated successfully")
	return nil
}

// classifyError maps a Gemini client error to a ValidationError.
func classifyError(err error) *ValidationError {
	if err == nil {
		return nil
	}

	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, apiErr.Message, err)
	}

	msg := strings.ToLower(err.Error())
	containsAny := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
	switch {
	case containsAny("api key not valid", "invalid api key", "api_key_invalid", "permission denied"):
		return &ValidationError{Type: ErrTypeInvalidKey, Message: "API key is invalid or has been revoked", Err: err}
	case containsAny("quota", "resource exhausted", "rate limit"):
		return &ValidationError{Type: ErrTypeQuotaExceeded, Message: "API quota exceeded or rate limited", Err: err}
	case containsAny("connection", "network", "timeout", "deadline", "dial", "no such host", "unreachable"):
		return &ValidationError{Type: ErrTypeNetworkError, Message: "Network error reaching the Gemini API", Err: err}
	}
	return &ValidationError{Type: ErrTypeUnknown, Message: "Failed to validate API key", Err: err}
}

func classifyStatus(code int, message string, err error) *ValidationError {
	switch {
	case code == 400:
		return &ValidationError{Type: ErrTypeInvalidKey, Message: "Bad request - API key may be malformed", Err: err}
	case code == 401 || code == 403:
		return &ValidationError{Type: ErrTypeInvalidKey, Message: "API key is invalid, expired, or lacks permissions", Err: err}
	case code == 429:
		return &ValidationError{Type: ErrTypeQuotaExceeded, Message: "API rate limit exceeded - try again later", Err: err}
	case code >= 500 && code <= 504:
		return &ValidationError{Type: ErrTypeNetworkError, Message: "Gemini API server error - try again later", Err: err}
	}
	return &ValidationError{Type: ErrTypeUnknown, Message: message, Err: err}
}
