// Package assets provides embedded static assets for the application.
//
// Prompt templates are stored as text files under prompts/ and embedded at compile time.
package assets

import (
	_ "embed"
	"strings"
)

//go:embed prompts/detection-default.txt
var detectionDefault string

//go:embed prompts/detector-system.txt
var detectorSystem string

// DefaultDetectionPrompt is the built-in question sent with every frame
// when a session has not overridden it.
func DefaultDetectionPrompt() string {
	return strings.TrimSpace(detectionDefault)
}

// DetectorSystemPrompt constrains the content detector's reply format.
func DetectorSystemPrompt() string {
	return strings.TrimSpace(detectorSystem)
}
