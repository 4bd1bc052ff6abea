package jobs

import (
	"regexp"
	"strings"
)

var jobIDPattern = regexp.MustCompile(`^[a-z]+-[0-9a-f]{32}$`)

// ValidID reports whether id has the shape produced by GenerateID.
func ValidID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// ParseRoute extracts the job ID and action from a URL path like /api/pipeline/{id}/{action}.
// apiPrefix should be like "/api/pipeline/", idPrefix should be like "pipe-".
// Returns the normalized job ID and action, or empty strings if the path is invalid.
func ParseRoute(path, apiPrefix, idPrefix string) (jobID, action string, ok bool) {
	if !strings.HasPrefix(path, apiPrefix) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(path, apiPrefix), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	jobID = parts[0]
	if !strings.HasPrefix(jobID, idPrefix) {
		jobID = idPrefix + jobID
	}
	return jobID, parts[1], true
}
