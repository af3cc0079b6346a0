package recurring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextOccurrence(t *testing.T) {
	from := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		frequency string
		interval  int
		want      time.Time
	}{
		{"daily", FrequencyDaily, 1, from.AddDate(0, 0, 1)},
		{"every third day", FrequencyDaily, 3, from.AddDate(0, 0, 3)},
		{"weekly", FrequencyWeekly, 1, from.AddDate(0, 0, 7)},
		{"biweekly", FrequencyWeekly, 2, from.AddDate(0, 0, 14)},
		{"monthly", FrequencyMonthly, 1, from.AddDate(0, 1, 0)},
		{"zero interval defaults to one", FrequencyDaily, 0, from.AddDate(0, 0, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextOccurrence(from, tt.frequency, tt.interval)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestNextOccurrenceMonthlyNormalizes(t *testing.T) {
	// Jan 31 + 1 month rolls over, matching time.AddDate semantics.
	from := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	got, err := NextOccurrence(from, FrequencyMonthly, 1)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)), "got %v", got)
}

func TestNextOccurrenceUnknownFrequency(t *testing.T) {
	_, err := NextOccurrence(time.Now(), "hourly", 1)
	assert.True(t, errors.Is(err, ErrUnknownFrequency))
}
