package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one authoritative transaction as reported by the
// transaction service. Reconciliation recomputes aggregates from these.
type Transaction struct {
	ID        int64
	UserID    int64
	AccountID int64
	Category  string
	Amount    decimal.Decimal
	Date      time.Time
}

// RecomputeAggregates folds authoritative transactions into fresh
// per-category aggregates for one user and period. This is the truth a
// stored aggregate is compared against.
func RecomputeAggregates(userID int64, period Period, txns []Transaction) map[string]Aggregate {
	byCategory := make(map[string]Aggregate)
	for _, t := range txns {
		agg, ok := byCategory[t.Category]
		if !ok {
			agg = ZeroAggregate(AggregateKey{UserID: userID, Period: period, Category: t.Category})
		}
		agg.add(t.Amount)
		byCategory[t.Category] = agg
	}
	return byCategory
}
