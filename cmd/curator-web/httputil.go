package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/fpang/depth-curator/internal/jobs"
	"github.com/fpang/depth-curator/internal/pipeline"
	"github.com/fpang/depth-curator/internal/session"
	"github.com/fpang/depth-curator/internal/upload"
	"github.com/rs/zerolog/log"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func httpError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *session.ValidationError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve), errors.Is(err, upload.ErrInvalidChunk), pipeline.IsValidation(err):
		httpError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrShuttingDown):
		httpError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, upload.ErrStorage):
		log.Error().Err(err).Msg("Chunk storage failed")
		httpError(w, http.StatusInternalServerError, "failed to store chunk; retry the same chunk")
	default:
		log.Error().Err(err).Msg("Request failed")
		httpError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into v. Numbers decode as json.Number
// so threshold values keep their textual form.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	httpError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}
