package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fpang/depth-curator/internal/cascade"
	"github.com/fpang/depth-curator/internal/session"
	"github.com/rs/zerolog/log"
)

// Launch precondition failures. Each is reported before any job is created.
var (
	ErrRawMissing     = errors.New("raw video has not been uploaded")
	ErrDepthMissing   = errors.New("depth video has not been uploaded")
	ErrNoPatterns     = errors.New("pattern matching is enabled but no pattern images were uploaded")
	ErrQueueFull      = errors.New("pipeline queue is full, try again later")
	ErrShuttingDown   = errors.New("pipeline is shutting down")
	errMissingSession = errors.New("snapshot has no session id")
)

// PatternRef names a pattern image on disk.
type PatternRef struct {
	Name string
	Path string
}

// Snapshot is the immutable input of one run: asset paths and cascade
// settings copied from the session at launch time.
type Snapshot struct {
	SessionID string
	RawPath   string
	DepthPath string
	Patterns  []PatternRef
	Cascade   cascade.Config
}

// SnapshotFrom copies what a run needs out of sess. Patterns whose labels
// collide, such as mug.png and mug.jpg, get numbered categories in upload
// order.
func SnapshotFrom(sess *session.Session, minGoodMatches int, detectTimeout time.Duration) Snapshot {
	snap := Snapshot{
		SessionID: sess.ID,
		Cascade:   cascade.ConfigFrom(sess.Thresholds, sess.Stages, minGoodMatches, detectTimeout),
	}
	if sess.Raw != nil {
		snap.RawPath = sess.Raw.Path
	}
	if sess.Depth != nil {
		snap.DepthPath = sess.Depth.Path
	}
	used := make(map[string]bool, len(sess.Patterns))
	for _, p := range sess.Patterns {
		label := PatternLabel(p.Name)
		if used[label] {
			unique := label
			for n := 2; used[unique]; n++ {
				unique = fmt.Sprintf("%s_%d", label, n)
			}
			log.Warn().
				Str("sessionId", sess.ID).
				Str("pattern", p.Name).
				Str("category", unique).
				Msg("Pattern label already taken, using a suffixed category")
			label = unique
		}
		used[label] = true
		snap.Patterns = append(snap.Patterns, PatternRef{Name: label, Path: p.Path})
	}
	return snap
}

// PatternLabel turns a pattern file name into its category label.
func PatternLabel(filename string) string {
	base := filepath.Base(filename)
	if label := strings.TrimSuffix(base, filepath.Ext(base)); label != "" {
		return label
	}
	return base
}

// Paths lists every input file the run reads.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Patterns)+2)
	paths = append(paths, s.RawPath, s.DepthPath)
	for _, p := range s.Patterns {
		paths = append(paths, p.Path)
	}
	return paths
}

// Validate checks the launch preconditions.
func (s Snapshot) Validate() error {
	switch {
	case s.SessionID == "":
		return errMissingSession
	case s.RawPath == "":
		return ErrRawMissing
	case s.DepthPath == "":
		return ErrDepthMissing
	case s.Cascade.PatternMatch && len(s.Patterns) == 0:
		return ErrNoPatterns
	}
	return nil
}

// IsValidation reports whether err is a launch precondition failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrRawMissing) || errors.Is(err, ErrDepthMissing) ||
		errors.Is(err, ErrNoPatterns) || errors.Is(err, errMissingSession)
}
