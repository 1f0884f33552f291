package billing

import (
	"fmt"
	"time"
)

// FormatReceipt renders RCT-YYYYMMDD-NNNNN for the seq-th receipt of day.
func FormatReceipt(day time.Time, seq int) string {
	return fmt.Sprintf("RCT-%s-%05d", day.Format("20060102"), seq)
}

// dayBounds returns [start, end) of the calendar day containing t in loc.
func dayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
