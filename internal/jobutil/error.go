// Package jobutil provides shared helpers for pipeline job lifecycle operations.
package jobutil

import (
	"github.com/rs/zerolog/log"
)

// ErrorWriter persists a job error to the backing store, e.g. jobs.Registry.Fail.
type ErrorWriter func(jobID, errMsg string) error

// SetJobError logs the error and delegates persistence to the provided writer.
// A write failure is logged and returned; it usually means the job already
// reached a terminal state.
func SetJobError(sessionID, jobID, msg string, write ErrorWriter) error {
	log.Error().
		Str("job", jobID).
		Str("sessionId", sessionID).
		Str("error", msg).
		Msg("Job failed")
	if err := write(jobID, msg); err != nil {
		log.Warn().Err(err).Str("job", jobID).Msg("Failed to record job error")
		return err
	}
	return nil
}
