package core

import (
	"fmt"
	"time"
)

// Period is a month key like "2025-01". Aggregates and budgets are scoped
// to one period; new periods supersede old ones, nothing is deleted.
type Period string

const periodLayout = "2006-01"

func PeriodOf(t time.Time) Period {
	return Period(t.UTC().Format(periodLayout))
}

func CurrentPeriod() Period {
	return PeriodOf(time.Now())
}

func (p Period) Validate() error {
	if _, err := time.Parse(periodLayout, string(p)); err != nil {
		return fmt.Errorf("invalid period %q: %w", p, err)
	}
	return nil
}

// Bounds returns the UTC half-open interval [start, end) the period covers,
// used when querying the transaction source of truth.
func (p Period) Bounds() (time.Time, time.Time, error) {
	start, err := time.Parse(periodLayout, string(p))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period %q: %w", p, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// Previous returns the preceding month key. Used by the reconciliation
// sweep to also cover the period boundary right after a month rolls over.
func (p Period) Previous() Period {
	start, err := time.Parse(periodLayout, string(p))
	if err != nil {
		return p
	}
	return PeriodOf(start.AddDate(0, -1, 0))
}
