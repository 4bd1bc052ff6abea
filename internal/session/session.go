// Package session holds per-session curator state: uploaded assets, cascade
// thresholds, stage toggles, and thumbnails. Sessions live in memory for the
// lifetime of the process.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned for unknown session identifiers.
var ErrNotFound = errors.New("session not found")

// ValidationError reports invalid caller input. No state is mutated when
// one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Kind is the closed set of asset kinds a session can hold.
type Kind string

const (
	KindRaw     Kind = "raw"
	KindDepth   Kind = "realsense"
	KindPattern Kind = "pattern"
)

// ParseKind resolves a kind name, accepting the legacy upload tags
// "dataset" (raw) and "mirror"/"depth" (realsense).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw", "dataset", "rgb":
		return KindRaw, nil
	case "realsense", "mirror", "depth":
		return KindDepth, nil
	case "pattern", "patterns":
		return KindPattern, nil
	}
	return "", invalid("file_type", "unknown asset kind %q", s)
}

// Asset is one fully assembled uploaded file.
type Asset struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Session is the state of one curation session.
type Session struct {
	ID         string     `json:"session_id"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Raw        *Asset     `json:"raw"`
	Depth      *Asset     `json:"realsense"`
	Patterns   []Asset    `json:"patterns"`
	Thresholds Thresholds `json:"thresholds"`
	Stages     Stages     `json:"stages"`
}

// Thumbnails returns the per-kind thumbnail references of the session.
func (s *Session) Thumbnails() map[Kind][]string {
	out := map[Kind][]string{KindRaw: {}, KindDepth: {}, KindPattern: {}}
	if s.Raw != nil && s.Raw.Thumbnail != "" {
		out[KindRaw] = append(out[KindRaw], s.Raw.Thumbnail)
	}
	if s.Depth != nil && s.Depth.Thumbnail != "" {
		out[KindDepth] = append(out[KindDepth], s.Depth.Thumbnail)
	}
	for _, p := range s.Patterns {
		if p.Thumbnail != "" {
			out[KindPattern] = append(out[KindPattern], p.Thumbnail)
		}
	}
	return out
}

func (s *Session) clone() *Session {
	c := *s
	if s.Raw != nil {
		raw := *s.Raw
		c.Raw = &raw
	}
	if s.Depth != nil {
		depth := *s.Depth
		c.Depth = &depth
	}
	c.Patterns = append([]Asset(nil), s.Patterns...)
	return &c
}
