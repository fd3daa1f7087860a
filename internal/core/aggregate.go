package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type (
	// AggregateKey identifies one running total: a user's spend in one
	// category during one month.
	AggregateKey struct {
		UserID   int64
		Period   Period
		Category string
	}

	// Aggregate is the per-key running total, rebuildable from the event
	// log. Version increments on every successful apply and drives
	// optimistic concurrency: a write with a stale version is rejected.
	Aggregate struct {
		UserID             int64
		Period             Period
		Category           string
		TotalSpent         decimal.Decimal
		TotalIncome        decimal.Decimal
		LastAppliedEventID string
		Version            int64
	}
)

func (k AggregateKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.UserID, k.Period, k.Category)
}

// ZeroAggregate is the value of an absent key: zero totals, version 0.
func ZeroAggregate(key AggregateKey) Aggregate {
	return Aggregate{
		UserID:   key.UserID,
		Period:   key.Period,
		Category: key.Category,
	}
}

func (a Aggregate) Key() AggregateKey {
	return AggregateKey{UserID: a.UserID, Period: a.Period, Category: a.Category}
}

// ApplyEvent folds one transaction event's self-contained delta into the
// totals. Created adds the amount, Updated reverses the previous amount and
// adds the new one, Deleted reverses the previous amount. Negative amounts
// are deposits and accrue to TotalIncome instead of TotalSpent.
func (a *Aggregate) ApplyEvent(e Event) error {
	switch e.Type {
	case TransactionCreated:
		a.add(e.Amount)
	case TransactionUpdated:
		a.remove(*e.PreviousAmount)
		a.add(e.Amount)
	case TransactionDeleted:
		a.remove(*e.PreviousAmount)
	default:
		return fmt.Errorf("%w: %s does not apply to an aggregate", ErrMalformedEvent, e.Type)
	}
	a.LastAppliedEventID = e.ID
	return nil
}

func (a *Aggregate) add(amount decimal.Decimal) {
	if amount.IsNegative() {
		a.TotalIncome = a.TotalIncome.Add(amount.Abs())
		return
	}
	a.TotalSpent = a.TotalSpent.Add(amount)
}

func (a *Aggregate) remove(amount decimal.Decimal) {
	if amount.IsNegative() {
		a.TotalIncome = a.TotalIncome.Sub(amount.Abs())
		return
	}
	a.TotalSpent = a.TotalSpent.Sub(amount)
}

// Equal compares totals only, ignoring version and last event id. Used by
// reconciliation to decide whether a stored aggregate drifted.
func (a Aggregate) Equal(other Aggregate) bool {
	return a.TotalSpent.Equal(other.TotalSpent) && a.TotalIncome.Equal(other.TotalIncome)
}
