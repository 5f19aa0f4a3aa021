package etc

import (
	"math"
	"time"

	"github.com/google/uuid"
)

func NewFreshID() string {
	return uuid.NewString()
}

// Day formats t as a calendar date in UTC.
func Day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// SecondsToMillis converts a chunk-relative offset in seconds to whole
// milliseconds, rounding down.
func SecondsToMillis(s float64) int64 {
	return int64(math.Floor(s * 1000))
}
