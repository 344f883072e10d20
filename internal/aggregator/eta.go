package aggregator

import (
	"fmt"
	"time"
)

// FormatETA renders d as days, hours and minutes, e.g. "1d:2h:3m".
// Negative durations render as zero.
func FormatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Minute)
	days := total / (24 * 60)
	hours := (total % (24 * 60)) / 60
	minutes := total % 60
	return fmt.Sprintf("%dd:%dh:%dm", days, hours, minutes)
}
