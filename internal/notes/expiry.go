package notes

import (
	"fmt"
	"time"
)

// ExpiredLabel is what FormatRemaining renders once a note has expired.
const ExpiredLabel = "Expired"

// TimeRemaining reports how long a note stays live. It is a pure function of
// its inputs so countdown displays can call it on any cadence.
func TimeRemaining(expiresAt, now time.Time) (time.Duration, bool) {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0, true
	}
	return remaining, false
}

// FormatRemaining renders the time left as HH:MM:SS, or ExpiredLabel.
func FormatRemaining(expiresAt, now time.Time) string {
	remaining, expired := TimeRemaining(expiresAt, now)
	if expired {
		return ExpiredLabel
	}
	totalSeconds := int64(remaining / time.Second)
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
