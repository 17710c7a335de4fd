package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPeriod(t *testing.T) {
	tests := []struct {
		name   string
		period ResetPeriod
		anchor time.Time
		now    time.Time
		start  time.Time
		end    time.Time
	}{
		{"month mid period", ResetMonth, date(2025, 1, 15), date(2025, 3, 20), date(2025, 3, 15), date(2025, 4, 15)},
		{"month on boundary", ResetMonth, date(2025, 1, 15), date(2025, 3, 15), date(2025, 3, 15), date(2025, 4, 15)},
		{"month clamps day 31", ResetMonth, date(2025, 1, 31), date(2025, 3, 1), date(2025, 2, 28), date(2025, 3, 31)},
		{"day", ResetDay, date(2025, 1, 1), date(2025, 1, 10).Add(5 * time.Hour), date(2025, 1, 10), date(2025, 1, 11)},
		{"week", ResetWeek, date(2025, 1, 6), date(2025, 1, 22), date(2025, 1, 20), date(2025, 1, 27)},
		{"year", ResetYear, date(2023, 6, 1), date(2025, 2, 1), date(2024, 6, 1), date(2025, 6, 1)},
		{"anchor in future", ResetMonth, date(2025, 6, 10), date(2025, 5, 20), date(2025, 5, 10), date(2025, 6, 10)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			start, end := Period(tc.period, tc.anchor, tc.now)
			assert.Equal(t, tc.start, start)
			assert.Equal(t, tc.end, end)
		})
	}
}
