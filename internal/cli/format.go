package cli

import (
	"fmt"
	"time"
)

// FormatDurationShort renders a run's elapsed time as M:SS or H:MM:SS,
// rounded to the nearest second.
func FormatDurationShort(d time.Duration) string {
	total := int(d.Round(time.Second) / time.Second)
	if total < 0 {
		total = 0
	}
	h, m, s := total/3600, total%3600/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// FormatFrameRate renders frame-pair throughput, e.g. "12.5 pairs/s".
func FormatFrameRate(frames int, d time.Duration) string {
	if frames <= 0 || d <= 0 {
		return "0 pairs/s"
	}
	return fmt.Sprintf("%.1f pairs/s", float64(frames)/d.Seconds())
}
