package finance

import (
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/events"
)

// Period is a closed accounting month as a half-open wire-timestamp
// interval [StartAt, EndAt).
type Period struct {
	Month   string `json:"month"`
	StartAt string `json:"startAt"`
	EndAt   string `json:"endAt"`
}

// MonthPeriod derives the period for a YYYY-MM month key.
func MonthPeriod(month string) (Period, error) {
	if !domain.ValidMonth(month) {
		return Period{}, fmt.Errorf("invalid month key %q", month)
	}
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return Period{}, fmt.Errorf("invalid month key %q: %w", month, err)
	}
	return Period{
		Month:   month,
		StartAt: events.FormatTime(start),
		EndAt:   events.FormatTime(start.AddDate(0, 1, 0)),
	}, nil
}

// Contains reports whether the wire timestamp falls inside the period.
// Wire timestamps are fixed-width UTC RFC3339, so string order is time
// order.
func (p Period) Contains(at string) bool {
	return at != "" && p.StartAt <= at && at < p.EndAt
}

// Before reports whether the wire timestamp falls before the period.
func (p Period) Before(at string) bool {
	return at != "" && at < p.StartAt
}
