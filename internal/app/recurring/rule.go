package recurring

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownFrequency = errors.New("unknown recurrence frequency")

const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// NextOccurrence advances one step from the given occurrence. Monthly steps
// use calendar months, so Jan 31 + 1 month normalizes to Mar 2/3 the way
// time.AddDate does.
func NextOccurrence(from time.Time, frequency string, interval int) (time.Time, error) {
	if interval <= 0 {
		interval = 1
	}
	switch frequency {
	case FrequencyDaily:
		return from.AddDate(0, 0, interval), nil
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7*interval), nil
	case FrequencyMonthly:
		return from.AddDate(0, interval, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownFrequency, frequency)
	}
}
