package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fpang/catalog-autotag/internal/progress"
)

// FormatDurationShort formats a duration in a short format (M:SS or H:MM:SS).
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// FormatProgress renders a one-line progress bar sized to width columns:
//
//	[#######.......]  50.0%  5/10  ok 4  failed 1  running 2  0:42
func FormatProgress(s progress.Snapshot, elapsed time.Duration, width int) string {
	stats := fmt.Sprintf(" %5.1f%%  %d/%d  ok %d  failed %d", s.Percent, s.Finished(), s.Total, s.Completed, s.Failed)
	if s.InFlight > 0 {
		stats += fmt.Sprintf("  running %d", s.InFlight)
	}
	if s.Cancelled && !s.Done {
		stats += "  cancelling"
	}
	stats += "  " + FormatDurationShort(elapsed)

	barWidth := width - len(stats) - 2
	if barWidth < 10 {
		return strings.TrimSpace(stats)
	}
	filled := 0
	if s.Total > 0 {
		filled = barWidth * s.Finished() / s.Total
	} else if s.Done {
		filled = barWidth
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled) + "]" + stats
}
