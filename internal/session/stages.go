package session

import "strings"

// Stage names.
const (
	StageSolidColor    = "solid_color"
	StageContentFilter = "content_filter"
	StagePatternMatch  = "pattern_match"
)

var stageAliases = map[string]string{
	StageSolidColor:          StageSolidColor,
	"solid color detection":  StageSolidColor,
	StageContentFilter:       StageContentFilter,
	"model object detection": StageContentFilter,
	"object_detection":       StageContentFilter,
	StagePatternMatch:        StagePatternMatch,
	"pattern thresholding":   StagePatternMatch,
}

// Stages records which cascade stages are enabled.
type Stages struct {
	SolidColor    bool `json:"solid_color"`
	ContentFilter bool `json:"content_filter"`
	PatternMatch  bool `json:"pattern_match"`
}

// DefaultStages enables every stage.
func DefaultStages() Stages {
	return Stages{SolidColor: true, ContentFilter: true, PatternMatch: true}
}

// CanonicalStage resolves a stage name or legacy alias.
func CanonicalStage(name string) (string, error) {
	canonical, ok := stageAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", invalid("stages", "unknown stage %q", name)
	}
	return canonical, nil
}

func (s *Stages) set(name string, enabled bool) {
	switch name {
	case StageSolidColor:
		s.SolidColor = enabled
	case StageContentFilter:
		s.ContentFilter = enabled
	case StagePatternMatch:
		s.PatternMatch = enabled
	}
}
