// Package cascade evaluates one raw/depth frame pair against the enabled
// classification stages: solid-color rejection, the external content filter,
// and pattern classification. Stages run in that fixed order and the first
// rejection ends the evaluation.
package cascade

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fpang/depth-curator/internal/features"
	"github.com/fpang/depth-curator/internal/filehandler"
	"github.com/fpang/depth-curator/internal/session"
	"github.com/rs/zerolog/log"
)

// Sentinel categories and reasons.
const (
	CategoryUncategorized = "uncategorized"
	CategoryNoMatch       = "no_match"
	CategoryNoPatterns    = "no_patterns_available"

	ReasonUniformColor = "mostly uniform color"

	passMarker       = "false"
	maxReasonExcerpt = 120
)

// Stage identifies a cascade stage.
type Stage string

const (
	StageSolidColor    Stage = session.StageSolidColor
	StageContentFilter Stage = session.StageContentFilter
	StagePatternMatch  Stage = session.StagePatternMatch
)

// ContentDetector is the external object-detection collaborator. It returns
// a free-text verdict for img given instruction.
type ContentDetector interface {
	Detect(ctx context.Context, img image.Image, instruction string) (string, error)
}

// Matcher is the feature-matching collaborator.
type Matcher interface {
	Describe(img *image.Gray) (features.Descriptors, error)
	CountGoodMatches(test, pattern features.Descriptors, maxDistance float64) (int, error)
}

// Config is the per-run cascade configuration, snapshotted at launch.
type Config struct {
	SolidColor    bool
	ContentFilter bool
	PatternMatch  bool

	BlackCutoff     uint8
	WhiteCutoff     uint8
	SolidPercentage float64
	PatternDistance float64
	DetectionPrompt string

	// MinGoodMatches is the smallest good-match count that earns a pattern
	// label. 1 means "any good match".
	MinGoodMatches int
	DetectTimeout  time.Duration
}

// ConfigFrom builds a Config from session settings.
func ConfigFrom(th session.Thresholds, st session.Stages, minGoodMatches int, detectTimeout time.Duration) Config {
	return Config{
		SolidColor:      st.SolidColor,
		ContentFilter:   st.ContentFilter,
		PatternMatch:    st.PatternMatch,
		BlackCutoff:     uint8(th.BlackCutoff),
		WhiteCutoff:     uint8(th.WhiteCutoff),
		SolidPercentage: th.SolidPercentage,
		PatternDistance: th.PatternDistance,
		DetectionPrompt: th.DetectionPrompt,
		MinGoodMatches:  minGoodMatches,
		DetectTimeout:   detectTimeout,
	}
}

// Pattern is a reference image prepared once per run.
type Pattern struct {
	Name        string
	Gray        *image.Gray
	Descriptors features.Descriptors
}

// Verdict is the outcome of evaluating one frame pair.
type Verdict struct {
	Accepted bool
	Category string
	// Stage and Reason are set for rejections.
	Stage  Stage
	Reason string
	// MatchCount is the winning pattern's good-match count.
	MatchCount int
}

// Evaluator runs the cascade with the given collaborators.
type Evaluator struct {
	Detector ContentDetector
	Matcher  Matcher
}

// Evaluate classifies one frame pair. Given deterministic collaborators it
// is a pure function of its inputs.
func (e *Evaluator) Evaluate(ctx context.Context, raw, depth image.Image, patterns []Pattern, cfg Config) Verdict {
	var depthGray *image.Gray
	if cfg.SolidColor || cfg.PatternMatch {
		depthGray = filehandler.ToGray(depth)
	}

	if cfg.SolidColor && IsMostlyUniform(depthGray, cfg.BlackCutoff, cfg.WhiteCutoff, cfg.SolidPercentage) {
		return Verdict{Stage: StageSolidColor, Reason: ReasonUniformColor}
	}

	if cfg.ContentFilter {
		if ok, reason := e.contentAllowed(ctx, raw, cfg); !ok {
			return Verdict{Stage: StageContentFilter, Reason: reason}
		}
	}

	if !cfg.PatternMatch {
		return Verdict{Accepted: true, Category: CategoryUncategorized}
	}
	category, count := e.classify(depthGray, patterns, cfg)
	return Verdict{Accepted: true, Category: category, MatchCount: count}
}

// IsMostlyUniform reports whether the fraction of pixels at or below black,
// or at or above white, reaches threshold.
func IsMostlyUniform(gray *image.Gray, black, white uint8, threshold float64) bool {
	h := filehandler.ComputeGrayHistogram(gray)
	if h.Total == 0 {
		return false
	}
	return h.FractionAtOrBelow(black) >= threshold || h.FractionAtOrAbove(white) >= threshold
}

// contentAllowed asks the detector about raw. Anything other than a verdict
// containing the pass marker, including errors and timeouts, disqualifies.
func (e *Evaluator) contentAllowed(ctx context.Context, raw image.Image, cfg Config) (bool, string) {
	if e.Detector == nil {
		return false, "content detector unavailable"
	}
	if cfg.DetectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DetectTimeout)
		defer cancel()
	}

	verdict, err := e.Detector.Detect(ctx, raw, cfg.DetectionPrompt)
	if err != nil {
		log.Warn().Err(err).Msg("Content detector failed, treating frame as disqualified")
		return false, "content detector error: " + Excerpt(err.Error(), maxReasonExcerpt)
	}
	if strings.Contains(strings.ToLower(verdict), passMarker) {
		return true, ""
	}
	return false, "disqualifying content: " + Excerpt(verdict, maxReasonExcerpt)
}

// classify labels depth with the best-matching pattern.
func (e *Evaluator) classify(depth *image.Gray, patterns []Pattern, cfg Config) (string, int) {
	if len(patterns) == 0 {
		return CategoryNoPatterns, 0
	}
	if e.Matcher == nil {
		return CategoryNoMatch, 0
	}
	test, err := e.Matcher.Describe(depth)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to describe depth frame")
		return CategoryNoMatch, 0
	}

	scores := make([]Score, 0, len(patterns))
	for _, p := range patterns {
		n, err := e.Matcher.CountGoodMatches(test, p.Descriptors, cfg.PatternDistance)
		if err != nil {
			log.Warn().Err(err).Str("pattern", p.Name).Msg("Pattern match failed, skipping pattern")
			continue
		}
		scores = append(scores, Score{Name: p.Name, Count: n})
	}

	best, ok := BestPattern(scores)
	minGood := max(cfg.MinGoodMatches, 1)
	if !ok || best.Count < minGood {
		return CategoryNoMatch, best.Count
	}
	return best.Name, best.Count
}

// Score is one pattern's good-match count.
type Score struct {
	Name  string
	Count int
}

// BestPattern returns the score with the strictly greatest count; among
// equal counts the earliest wins. ok is false for an empty slice.
func BestPattern(scores []Score) (Score, bool) {
	if len(scores) == 0 {
		return Score{}, false
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Count > best.Count {
			best = s
		}
	}
	return best, true
}

// Excerpt trims s to at most n runes on a single line.
func Excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

// PreparePatterns describes each pattern image once. Patterns the matcher
// cannot describe are skipped and reported in the returned errors.
func PreparePatterns(m Matcher, images []Pattern) ([]Pattern, []error) {
	out := make([]Pattern, 0, len(images))
	var errs []error
	for _, p := range images {
		desc, err := m.Describe(p.Gray)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %s: %w", p.Name, err))
			continue
		}
		p.Descriptors = desc
		out = append(out, p)
	}
	return out, errs
}
