package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"budgetsync/internal/core"
)

// AppliedResult is the outcome of one successful apply. Evaluate is set
// when a transaction aggregate changed and budgets should be rechecked;
// balance snapshots do not trigger evaluation.
type AppliedResult struct {
	Aggregate core.Aggregate
	Evaluate  bool
}

// ApplyEvent applies one event as a single atomic unit: dedup check,
// transaction-state validation, aggregate compare-and-set and the
// ProcessedEventRecord all commit together or not at all. Returns
//
//	core.ErrDuplicateEvent  — id already in the ledger, nothing written
//	core.ErrVersionConflict — lost a concurrent write, retry from scratch
//	core.ErrOutOfOrderTransactionEvent — pre-image mismatch; the key was
//	  queued for reconciliation and the event recorded as processed
func (r *Repository) ApplyEvent(ctx context.Context, e core.Event) (AppliedResult, error) {
	if err := e.Validate(); err != nil {
		return AppliedResult{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return AppliedResult{}, mapStoreErr("begin apply", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_id = ?`, e.ID).Scan(&one)
	if err == nil {
		return AppliedResult{}, core.ErrDuplicateEvent
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AppliedResult{}, mapStoreErr("check dedup ledger", err)
	}

	if e.Type == core.AccountBalanceChanged {
		if err := applyBalanceSnapshot(ctx, tx, e); err != nil {
			return AppliedResult{}, err
		}
		if err := markProcessed(ctx, tx, e.ID); err != nil {
			return AppliedResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return AppliedResult{}, mapStoreErr("commit balance apply", err)
		}
		return AppliedResult{}, nil
	}

	if err := checkAndRecordTxnState(ctx, tx, e); err != nil {
		if !errors.Is(err, core.ErrOutOfOrderTransactionEvent) {
			return AppliedResult{}, err
		}
		// Route the key to reconciliation instead of corrupting the
		// aggregate blindly. The queue entry is the recorded effect of
		// this event; the sweep produces the corrected totals.
		key := core.AggregateKey{UserID: e.UserID, Period: e.Period(), Category: e.Category}
		if qErr := enqueueReconcile(ctx, tx, key, err.Error()); qErr != nil {
			return AppliedResult{}, qErr
		}
		if mErr := markProcessed(ctx, tx, e.ID); mErr != nil {
			return AppliedResult{}, mErr
		}
		if cErr := tx.Commit(); cErr != nil {
			return AppliedResult{}, mapStoreErr("commit out-of-order routing", cErr)
		}
		return AppliedResult{}, err
	}

	key := core.AggregateKey{UserID: e.UserID, Period: e.Period(), Category: e.Category}
	agg, err := getAggregateTx(ctx, tx, key)
	if err != nil {
		return AppliedResult{}, err
	}
	expectedVersion := agg.Version

	if err := agg.ApplyEvent(e); err != nil {
		return AppliedResult{}, err
	}
	agg.Version = expectedVersion + 1

	if err := writeAggregateCAS(ctx, tx, key, expectedVersion, agg); err != nil {
		return AppliedResult{}, err
	}
	if err := markProcessed(ctx, tx, e.ID); err != nil {
		return AppliedResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AppliedResult{}, mapStoreErr("commit apply", err)
	}

	return AppliedResult{Aggregate: agg, Evaluate: true}, nil
}

func applyBalanceSnapshot(ctx context.Context, tx *sql.Tx, e core.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO account_balances (account_id, user_id, balance, last_applied_event_id, version, updated_at)
		VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT (account_id) DO UPDATE SET
			balance = excluded.balance,
			last_applied_event_id = excluded.last_applied_event_id,
			version = account_balances.version + 1,
			updated_at = CURRENT_TIMESTAMP`,
		e.AccountID, e.UserID, e.Amount.String(), e.ID)
	if err != nil {
		return mapStoreErr("apply balance snapshot", err)
	}
	return nil
}

// checkAndRecordTxnState validates the event against the recorded state of
// its transaction and updates that state. Updates and deletes must match
// the recorded pre-image; a mismatch or an unknown transaction is a causal
// ordering violation.
func checkAndRecordTxnState(ctx context.Context, tx *sql.Tx, e core.Event) error {
	var (
		amountText string
		deleted    int
	)
	err := tx.QueryRowContext(ctx, `
		SELECT amount, deleted FROM transaction_state WHERE transaction_id = ?`,
		e.TransactionID).Scan(&amountText, &deleted)
	known := true
	if errors.Is(err, sql.ErrNoRows) {
		known = false
	} else if err != nil {
		return mapStoreErr("read transaction state", err)
	}

	switch e.Type {
	case core.TransactionCreated:
		if known {
			return fmt.Errorf("%w: create for already-known transaction %d",
				core.ErrOutOfOrderTransactionEvent, e.TransactionID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_state (transaction_id, user_id, account_id, category, period, amount, deleted, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP)`,
			e.TransactionID, e.UserID, e.AccountID, e.Category, string(e.Period()), e.Amount.String())
		if err != nil {
			return mapStoreErr("record transaction state", err)
		}
		return nil

	case core.TransactionUpdated, core.TransactionDeleted:
		if !known {
			return fmt.Errorf("%w: %s for unknown transaction %d",
				core.ErrOutOfOrderTransactionEvent, e.Type, e.TransactionID)
		}
		if deleted != 0 {
			return fmt.Errorf("%w: %s for deleted transaction %d",
				core.ErrOutOfOrderTransactionEvent, e.Type, e.TransactionID)
		}
		recorded, err := decimal.NewFromString(amountText)
		if err != nil {
			return fmt.Errorf("decode recorded amount: %w", err)
		}
		if !recorded.Equal(*e.PreviousAmount) {
			return fmt.Errorf("%w: previous amount %s does not match recorded %s for transaction %d",
				core.ErrOutOfOrderTransactionEvent, e.PreviousAmount, recorded, e.TransactionID)
		}

		if e.Type == core.TransactionUpdated {
			_, err = tx.ExecContext(ctx, `
				UPDATE transaction_state SET amount = ?, updated_at = CURRENT_TIMESTAMP
				WHERE transaction_id = ?`,
				e.Amount.String(), e.TransactionID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE transaction_state SET deleted = 1, updated_at = CURRENT_TIMESTAMP
				WHERE transaction_id = ?`,
				e.TransactionID)
		}
		if err != nil {
			return mapStoreErr("update transaction state", err)
		}
		return nil
	}

	return fmt.Errorf("%w: %s is not a transaction event", core.ErrMalformedEvent, e.Type)
}

func getAggregateTx(ctx context.Context, tx *sql.Tx, key core.AggregateKey) (core.Aggregate, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT total_spent, total_income, last_applied_event_id, version
		FROM aggregates
		WHERE user_id = ? AND period = ? AND category = ?`,
		key.UserID, string(key.Period), key.Category)
	return scanAggregate(row, key)
}

func writeAggregateCAS(ctx context.Context, tx *sql.Tx, key core.AggregateKey, expectedVersion int64, agg core.Aggregate) error {
	if expectedVersion == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO aggregates (user_id, period, category, total_spent, total_income, last_applied_event_id, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			key.UserID, string(key.Period), key.Category,
			agg.TotalSpent.String(), agg.TotalIncome.String(), agg.LastAppliedEventID, agg.Version)
		if err != nil {
			if isConstraintErr(err) {
				return core.ErrVersionConflict
			}
			return mapStoreErr("insert aggregate", err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE aggregates
		SET total_spent = ?, total_income = ?, last_applied_event_id = ?, version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND period = ? AND category = ? AND version = ?`,
		agg.TotalSpent.String(), agg.TotalIncome.String(), agg.LastAppliedEventID, agg.Version,
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

func markProcessed(ctx context.Context, tx *sql.Tx, eventID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, applied_at) VALUES (?, CURRENT_TIMESTAMP)`,
		eventID)
	if err != nil {
		if isConstraintErr(err) {
			return core.ErrDuplicateEvent
		}
		return mapStoreErr("record processed event", err)
	}
	return nil
}
