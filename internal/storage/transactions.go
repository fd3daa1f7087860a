package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"budgetsync/internal/core"
)

// ListLiveTransactions returns the non-deleted transactions recorded in the
// local replica for one user and period. Serves as the reconciliation
// source when the transaction service is unreachable, and as the fixture
// source in tests.
func (r *Repository) ListLiveTransactions(ctx context.Context, userID int64, period core.Period) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT transaction_id, account_id, category, amount, updated_at
		FROM transaction_state
		WHERE user_id = ? AND period = ? AND deleted = 0
		ORDER BY transaction_id`,
		userID, string(period))
	if err != nil {
		return nil, mapStoreErr("list live transactions", err)
	}
	defer rows.Close()

	var txns []core.Transaction
	for rows.Next() {
		var (
			id, accountID int64
			category      string
			amountText    string
			updatedAt     time.Time
		)
		if err := rows.Scan(&id, &accountID, &category, &amountText, &updatedAt); err != nil {
			return nil, mapStoreErr("scan transaction", err)
		}
		amount, err := decimal.NewFromString(amountText)
		if err != nil {
			return nil, fmt.Errorf("decode transaction amount: %w", err)
		}
		txns = append(txns, core.Transaction{
			ID:        id,
			UserID:    userID,
			AccountID: accountID,
			Category:  category,
			Amount:    amount,
			Date:      updatedAt,
		})
	}
	return txns, rows.Err()
}
