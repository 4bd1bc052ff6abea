package session

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/fpang/depth-curator/internal/assets"
)

// DefaultDetectionPrompt is the built-in instruction sent to the content detector.
var DefaultDetectionPrompt = assets.DefaultDetectionPrompt()

// Threshold names.
const (
	ThresholdPatternDistance = "pattern_distance"
	ThresholdSolidPercentage = "solid_percentage"
	ThresholdBlackCutoff     = "black_cutoff"
	ThresholdWhiteCutoff     = "white_cutoff"
	ThresholdDetectionPrompt = "detection_prompt"
)

var thresholdAliases = map[string]string{
	ThresholdPatternDistance:  ThresholdPatternDistance,
	"pattern_threshold":       ThresholdPatternDistance,
	"pattern thresholding":    ThresholdPatternDistance,
	ThresholdSolidPercentage:  ThresholdSolidPercentage,
	"solid_threshold":         ThresholdSolidPercentage,
	"solid color detection":   ThresholdSolidPercentage,
	ThresholdBlackCutoff:      ThresholdBlackCutoff,
	"black_threshold":         ThresholdBlackCutoff,
	ThresholdWhiteCutoff:      ThresholdWhiteCutoff,
	"white_threshold":         ThresholdWhiteCutoff,
	ThresholdDetectionPrompt:  ThresholdDetectionPrompt,
	"object_prompt":           ThresholdDetectionPrompt,
	"object detection prompt": ThresholdDetectionPrompt,
}

// Thresholds are the tunable cascade parameters of a session.
type Thresholds struct {
	PatternDistance float64 `json:"pattern_distance"`
	SolidPercentage float64 `json:"solid_percentage"`
	BlackCutoff     int     `json:"black_cutoff"`
	WhiteCutoff     int     `json:"white_cutoff"`
	DetectionPrompt string  `json:"detection_prompt"`
}

// DefaultThresholds returns the built-in threshold values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PatternDistance: 200,
		SolidPercentage: 0.60,
		BlackCutoff:     30,
		WhiteCutoff:     225,
		DetectionPrompt: DefaultDetectionPrompt,
	}
}

// CanonicalThreshold resolves a threshold name or legacy alias.
func CanonicalThreshold(name string) (string, error) {
	canonical, ok := thresholdAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", invalid("name", "unknown threshold %q", name)
	}
	return canonical, nil
}

// apply returns a copy of t with the named threshold set to value.
func (t Thresholds) apply(name string, value any) (Thresholds, error) {
	switch name {
	case ThresholdDetectionPrompt:
		s, ok := value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return t, invalid(name, "must be a non-empty string")
		}
		t.DetectionPrompt = s
		return t, nil

	case ThresholdPatternDistance:
		f, err := coerceNumber(name, value)
		if err != nil {
			return t, err
		}
		if f <= 0 {
			return t, invalid(name, "must be greater than 0, got %v", f)
		}
		t.PatternDistance = f
		return t, nil

	case ThresholdSolidPercentage:
		f, err := coerceNumber(name, value)
		if err != nil {
			return t, err
		}
		if f <= 0 || f > 1 {
			return t, invalid(name, "must be in (0, 1], got %v", f)
		}
		t.SolidPercentage = f
		return t, nil

	case ThresholdBlackCutoff, ThresholdWhiteCutoff:
		f, err := coerceNumber(name, value)
		if err != nil {
			return t, err
		}
		if f != math.Trunc(f) || f < 0 || f > 255 {
			return t, invalid(name, "must be an integer in [0, 255], got %v", f)
		}
		if name == ThresholdBlackCutoff {
			t.BlackCutoff = int(f)
		} else {
			t.WhiteCutoff = int(f)
		}
		return t, nil
	}
	return t, invalid("name", "unknown threshold %q", name)
}

// coerceNumber accepts JSON numbers and numeric text. Text containing a
// decimal point parses as floating point, otherwise as an integer.
func coerceNumber(name string, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return coerceText(name, v.String())
	case string:
		return coerceText(name, v)
	}
	return 0, invalid(name, "must be numeric, got %T", value)
}

func coerceText(name, s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, invalid(name, "cannot parse %q as a decimal number", s)
		}
		return f, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, invalid(name, "cannot parse %q as an integer", s)
	}
	return float64(n), nil
}
