package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"budgetsync/internal/core"

	_ "modernc.org/sqlite"
)

// Repository is the aggregate store: per-key running totals with
// compare-and-set versioning, the dedup ledger, the budget read model,
// and the reconcile queue. All mutation of aggregates goes through
// ApplyEvent or ReplaceAggregate; there is no other writer path.
type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// GetAggregate returns the aggregate for key, or its zero value (version 0)
// when the key has never been written.
func (r *Repository) GetAggregate(ctx context.Context, key core.AggregateKey) (core.Aggregate, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT total_spent, total_income, last_applied_event_id, version
		FROM aggregates
		WHERE user_id = ? AND period = ? AND category = ?`,
		key.UserID, string(key.Period), key.Category)
	return scanAggregate(row, key)
}

func scanAggregate(row *sql.Row, key core.AggregateKey) (core.Aggregate, error) {
	var (
		spentText, incomeText, lastEvent string
		version                          int64
	)
	err := row.Scan(&spentText, &incomeText, &lastEvent, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ZeroAggregate(key), nil
	}
	if err != nil {
		return core.Aggregate{}, mapStoreErr("get aggregate", err)
	}

	spent, err := decimal.NewFromString(spentText)
	if err != nil {
		return core.Aggregate{}, fmt.Errorf("decode total_spent for %s: %w", key, err)
	}
	income, err := decimal.NewFromString(incomeText)
	if err != nil {
		return core.Aggregate{}, fmt.Errorf("decode total_income for %s: %w", key, err)
	}

	agg := core.ZeroAggregate(key)
	agg.TotalSpent = spent
	agg.TotalIncome = income
	agg.LastAppliedEventID = lastEvent
	agg.Version = version
	return agg, nil
}

// ListAggregates returns all stored aggregates for one user and period.
func (r *Repository) ListAggregates(ctx context.Context, userID int64, period core.Period) ([]core.Aggregate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT category, total_spent, total_income, last_applied_event_id, version
		FROM aggregates
		WHERE user_id = ? AND period = ?
		ORDER BY category`,
		userID, string(period))
	if err != nil {
		return nil, mapStoreErr("list aggregates", err)
	}
	defer rows.Close()

	var aggs []core.Aggregate
	for rows.Next() {
		var (
			category, spentText, incomeText, lastEvent string
			version                                    int64
		)
		if err := rows.Scan(&category, &spentText, &incomeText, &lastEvent, &version); err != nil {
			return nil, mapStoreErr("scan aggregate", err)
		}
		spent, err := decimal.NewFromString(spentText)
		if err != nil {
			return nil, fmt.Errorf("decode total_spent: %w", err)
		}
		income, err := decimal.NewFromString(incomeText)
		if err != nil {
			return nil, fmt.Errorf("decode total_income: %w", err)
		}
		agg := core.ZeroAggregate(core.AggregateKey{UserID: userID, Period: period, Category: category})
		agg.TotalSpent = spent
		agg.TotalIncome = income
		agg.LastAppliedEventID = lastEvent
		agg.Version = version
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

// DistinctUsers returns every user id with at least one aggregate or
// recorded transaction, for the reconciliation sweep.
func (r *Repository) DistinctUsers(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM aggregates
		UNION
		SELECT user_id FROM transaction_state
		ORDER BY user_id`)
	if err != nil {
		return nil, mapStoreErr("distinct users", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, mapStoreErr("scan user id", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// ReplaceAggregate overwrites an aggregate under compare-and-set: the write
// succeeds only if the stored version still equals expectedVersion, and the
// new row carries expectedVersion+1. Used by reconciliation; the engine and
// the sweep may race on a key and the loser retries from a fresh read.
func (r *Repository) ReplaceAggregate(ctx context.Context, key core.AggregateKey, expectedVersion int64, agg core.Aggregate) error {
	if expectedVersion == 0 {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO aggregates (user_id, period, category, total_spent, total_income, last_applied_event_id, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP)`,
			key.UserID, string(key.Period), key.Category,
			agg.TotalSpent.String(), agg.TotalIncome.String(), agg.LastAppliedEventID)
		if err != nil {
			if isConstraintErr(err) {
				return core.ErrVersionConflict
			}
			return mapStoreErr("insert aggregate", err)
		}
		return nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE aggregates
		SET total_spent = ?, total_income = ?, last_applied_event_id = ?, version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND period = ? AND category = ? AND version = ?`,
		agg.TotalSpent.String(), agg.TotalIncome.String(), agg.LastAppliedEventID, expectedVersion+1,
		key.UserID, string(key.Period), key.Category, expectedVersion)
	if err != nil {
		return mapStoreErr("update aggregate", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapStoreErr("update aggregate", err)
	}
	if affected == 0 {
		return core.ErrVersionConflict
	}
	return nil
}

// IsProcessed reports whether the event id is already in the dedup ledger.
func (r *Repository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapStoreErr("check processed event", err)
	}
	return true, nil
}

// PruneProcessedEvents garbage-collects dedup ledger entries older than the
// cutoff. Safe once reconciliation has confirmed no replay is needed that
// far back.
func (r *Repository) PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	// datetime() renders the same 'YYYY-MM-DD HH:MM:SS' text as
	// CURRENT_TIMESTAMP, keeping the comparison lexical-safe.
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE applied_at < datetime(?, 'unixepoch')`, before.UTC().Unix())
	if err != nil {
		return 0, mapStoreErr("prune processed events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapStoreErr("prune processed events", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "Pruned dedup ledger", "removed", n, "before", before.UTC().Format(time.RFC3339))
	}
	return n, nil
}

// GetBudget reads the budget definition for (user, category, period) from
// the local read model. Returns core.ErrBudgetNotFound when none is defined.
func (r *Repository) GetBudget(ctx context.Context, userID int64, category string, period core.Period) (core.Budget, error) {
	var limitText string
	err := r.db.QueryRowContext(ctx, `
		SELECT limit_amount FROM budgets
		WHERE user_id = ? AND category = ? AND period = ?`,
		userID, category, string(period)).Scan(&limitText)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Budget{}, core.ErrBudgetNotFound
	}
	if err != nil {
		return core.Budget{}, mapStoreErr("get budget", err)
	}
	limit, err := decimal.NewFromString(limitText)
	if err != nil {
		return core.Budget{}, fmt.Errorf("decode limit_amount: %w", err)
	}
	return core.Budget{UserID: userID, Category: category, Period: period, LimitAmount: limit}, nil
}

// UpsertBudget refreshes one budget definition in the read model. Called by
// the sync path that mirrors the budget-analysis service; budgets are never
// mutated by the engine itself.
func (r *Repository) UpsertBudget(ctx context.Context, b core.Budget) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budgets (user_id, category, period, limit_amount, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id, category, period)
		DO UPDATE SET limit_amount = excluded.limit_amount, updated_at = CURRENT_TIMESTAMP`,
		b.UserID, b.Category, string(b.Period), b.LimitAmount.String())
	if err != nil {
		return mapStoreErr("upsert budget", err)
	}
	return nil
}

// GetStatus returns the stored budget status for key and whether one exists.
func (r *Repository) GetStatus(ctx context.Context, key core.AggregateKey) (core.BudgetStatus, bool, error) {
	var (
		spentText, limitText, state string
		updatedAt                   time.Time
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT spent, limit_amount, state, updated_at FROM budget_statuses
		WHERE user_id = ? AND category = ? AND period = ?`,
		key.UserID, key.Category, string(key.Period)).Scan(&spentText, &limitText, &state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.BudgetStatus{}, false, nil
	}
	if err != nil {
		return core.BudgetStatus{}, false, mapStoreErr("get budget status", err)
	}
	spent, err := decimal.NewFromString(spentText)
	if err != nil {
		return core.BudgetStatus{}, false, fmt.Errorf("decode spent: %w", err)
	}
	limit, err := decimal.NewFromString(limitText)
	if err != nil {
		return core.BudgetStatus{}, false, fmt.Errorf("decode limit_amount: %w", err)
	}
	return core.BudgetStatus{
		UserID:      key.UserID,
		Category:    key.Category,
		Period:      key.Period,
		Spent:       spent,
		LimitAmount: limit,
		State:       core.BudgetState(state),
		UpdatedAt:   updatedAt,
	}, true, nil
}

// SaveStatus persists the recomputed budget status for its key.
func (r *Repository) SaveStatus(ctx context.Context, s core.BudgetStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budget_statuses (user_id, category, period, spent, limit_amount, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, category, period)
		DO UPDATE SET spent = excluded.spent, limit_amount = excluded.limit_amount,
			state = excluded.state, updated_at = excluded.updated_at`,
		s.UserID, s.Category, string(s.Period),
		s.Spent.String(), s.LimitAmount.String(), string(s.State), s.UpdatedAt.UTC())
	if err != nil {
		return mapStoreErr("save budget status", err)
	}
	return nil
}

// EnqueueReconcile flags a key for priority reconciliation.
func (r *Repository) EnqueueReconcile(ctx context.Context, key core.AggregateKey, reason string) error {
	return enqueueReconcile(ctx, r.db, key, reason)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func enqueueReconcile(ctx context.Context, db execer, key core.AggregateKey, reason string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO reconcile_queue (user_id, period, category, reason, enqueued_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (user_id, period, category) DO UPDATE SET reason = excluded.reason`,
		key.UserID, string(key.Period), key.Category, reason)
	if err != nil {
		return mapStoreErr("enqueue reconcile", err)
	}
	return nil
}

// PendingReconcile lists keys flagged for priority reconciliation.
func (r *Repository) PendingReconcile(ctx context.Context) ([]core.AggregateKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, period, category FROM reconcile_queue ORDER BY enqueued_at`)
	if err != nil {
		return nil, mapStoreErr("pending reconcile", err)
	}
	defer rows.Close()

	var keys []core.AggregateKey
	for rows.Next() {
		var (
			userID           int64
			period, category string
		)
		if err := rows.Scan(&userID, &period, &category); err != nil {
			return nil, mapStoreErr("scan reconcile key", err)
		}
		keys = append(keys, core.AggregateKey{UserID: userID, Period: core.Period(period), Category: category})
	}
	return keys, rows.Err()
}

// ClearReconcile removes a key from the reconcile queue once corrected.
func (r *Repository) ClearReconcile(ctx context.Context, key core.AggregateKey) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM reconcile_queue WHERE user_id = ? AND period = ? AND category = ?`,
		key.UserID, string(key.Period), key.Category)
	if err != nil {
		return mapStoreErr("clear reconcile", err)
	}
	return nil
}

// GetAccountBalance returns the latest balance snapshot for an account.
func (r *Repository) GetAccountBalance(ctx context.Context, accountID int64) (decimal.Decimal, int64, error) {
	var (
		balanceText string
		version     int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT balance, version FROM account_balances WHERE account_id = ?`,
		accountID).Scan(&balanceText, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, 0, nil
	}
	if err != nil {
		return decimal.Zero, 0, mapStoreErr("get account balance", err)
	}
	balance, err := decimal.NewFromString(balanceText)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("decode balance: %w", err)
	}
	return balance, version, nil
}

// mapStoreErr wraps driver errors so callers can distinguish retryable
// store unavailability from data corruption.
func mapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked") {
		return fmt.Errorf("%s: %w: %v", op, core.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
