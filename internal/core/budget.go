package core

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StateOnTrack   BudgetState = "on_track"
	StateNearLimit BudgetState = "near_limit"
	StateExceeded  BudgetState = "exceeded"
)

type (
	BudgetState string

	// Budget is a spending limit owned by the budget-analysis service.
	// Read-only input here, synced into a local read model.
	Budget struct {
		UserID      int64
		Category    string
		Period      Period
		LimitAmount decimal.Decimal
	}

	// BudgetStatus is derived from an aggregate and its budget. It is
	// recomputed on every apply, never independently mutated.
	BudgetStatus struct {
		UserID      int64
		Category    string
		Period      Period
		Spent       decimal.Decimal
		LimitAmount decimal.Decimal
		State       BudgetState
		UpdatedAt   time.Time
	}

	// StatusChange is the outbound alert event published to the
	// notification boundary. Emitted only on a state transition.
	StatusChange struct {
		UserID      int64
		Category    string
		Period      Period
		OldState    BudgetState
		NewState    BudgetState
		Spent       decimal.Decimal
		LimitAmount decimal.Decimal
		EmittedAt   time.Time
	}
)

func (s BudgetState) Valid() bool {
	switch s {
	case StateOnTrack, StateNearLimit, StateExceeded:
		return true
	}
	return false
}
