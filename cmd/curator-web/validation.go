package main

import (
	"fmt"
	"regexp"
)

// --- Input Validation ---

// uuidRegex matches UUID v4 format: 8-4-4-4-12 lowercase hex with dashes.
var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// thumbnailNameRegex matches names produced by filehandler.ThumbnailName
// and filehandler.PreviewName.
var thumbnailNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}_(thumbnail|preview)\.png$`)

func validateSessionID(id string) error {
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid session_id: must be a UUID (e.g., a1b2c3d4-e5f6-7890-abcd-ef1234567890)")
	}
	return nil
}

func validateThumbnailName(name string) error {
	if !thumbnailNameRegex.MatchString(name) {
		return fmt.Errorf("invalid thumbnail name")
	}
	return nil
}
