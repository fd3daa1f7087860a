package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"budgetsync/internal/core"
)

// Store is the slice of the aggregate store the evaluator needs: the
// read-only budget definitions and the previous status per key.
type Store interface {
	GetBudget(ctx context.Context, userID int64, category string, period core.Period) (core.Budget, error)
	GetStatus(ctx context.Context, key core.AggregateKey) (core.BudgetStatus, bool, error)
	SaveStatus(ctx context.Context, s core.BudgetStatus) error
}

// Evaluator recomputes budget statuses from updated aggregates and decides
// which transitions are alert-worthy. Budget lookups go through a short
// TTL cache; misses are cached too since most categories carry no budget.
type Evaluator struct {
	store Store
	ratio decimal.Decimal
	cache *lookupCache
	now   func() time.Time
}

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = time.Minute
)

func NewEvaluator(store Store, nearLimitRatio float64) *Evaluator {
	return &Evaluator{
		store: store,
		ratio: decimal.NewFromFloat(nearLimitRatio),
		cache: newLookupCache(defaultCacheSize, defaultCacheTTL),
		now:   time.Now,
	}
}

// Evaluate is a pure function of an aggregate and its budget: exceeded when
// spent >= limit, near-limit when spent >= ratio*limit, on-track otherwise.
func Evaluate(agg core.Aggregate, b core.Budget, nearLimitRatio decimal.Decimal, at time.Time) core.BudgetStatus {
	state := core.StateOnTrack
	switch {
	case agg.TotalSpent.GreaterThanOrEqual(b.LimitAmount):
		state = core.StateExceeded
	case agg.TotalSpent.GreaterThanOrEqual(b.LimitAmount.Mul(nearLimitRatio)):
		state = core.StateNearLimit
	}
	return core.BudgetStatus{
		UserID:      agg.UserID,
		Category:    agg.Category,
		Period:      agg.Period,
		Spent:       agg.TotalSpent,
		LimitAmount: b.LimitAmount,
		State:       state,
		UpdatedAt:   at,
	}
}

// Check evaluates the aggregate against its budget and persists the new
// status. It returns a StatusChange only on a state transition, so alerts
// are edge-triggered: entering exceeded fires once and is not re-emitted
// until spend drops below the limit and crosses again. A key without a
// budget is skipped, not an error.
func (ev *Evaluator) Check(ctx context.Context, agg core.Aggregate) (*core.StatusChange, error) {
	key := agg.Key()

	b, err := ev.lookupBudget(ctx, key)
	if errors.Is(err, core.ErrBudgetNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup budget for %s: %w", key, err)
	}

	status := Evaluate(agg, b, ev.ratio, ev.now().UTC())

	oldState := core.StateOnTrack
	prev, found, err := ev.store.GetStatus(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load previous status for %s: %w", key, err)
	}
	if found {
		oldState = prev.State
	}

	if err := ev.store.SaveStatus(ctx, status); err != nil {
		return nil, fmt.Errorf("save status for %s: %w", key, err)
	}

	if status.State == oldState {
		return nil, nil
	}

	slog.InfoContext(ctx, "Budget state transition",
		"user_id", key.UserID,
		"category", key.Category,
		"period", string(key.Period),
		"old_state", string(oldState),
		"new_state", string(status.State),
		"total_spent", status.Spent.String(),
		"limit_amount", status.LimitAmount.String())

	return &core.StatusChange{
		UserID:      key.UserID,
		Category:    key.Category,
		Period:      key.Period,
		OldState:    oldState,
		NewState:    status.State,
		Spent:       status.Spent,
		LimitAmount: status.LimitAmount,
		EmittedAt:   status.UpdatedAt,
	}, nil
}

func (ev *Evaluator) lookupBudget(ctx context.Context, key core.AggregateKey) (core.Budget, error) {
	if b, found, hit := ev.cache.get(key); hit {
		if !found {
			return core.Budget{}, core.ErrBudgetNotFound
		}
		return b, nil
	}

	b, err := ev.store.GetBudget(ctx, key.UserID, key.Category, key.Period)
	if errors.Is(err, core.ErrBudgetNotFound) {
		ev.cache.put(key, core.Budget{}, false)
		return core.Budget{}, err
	}
	if err != nil {
		return core.Budget{}, err
	}
	ev.cache.put(key, b, true)
	return b, nil
}

// InvalidateBudget drops one key from the lookup cache. Called when the
// budget read model is refreshed.
func (ev *Evaluator) InvalidateBudget(key core.AggregateKey) {
	ev.cache.drop(key)
}
