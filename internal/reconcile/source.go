package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"budgetsync/internal/core"
	"budgetsync/internal/storage"
)

// Source lists the authoritative transactions for one user and period.
// Reconciliation treats its answer as truth and overwrites drifted
// aggregates with totals recomputed from it.
type Source interface {
	ListTransactions(ctx context.Context, userID int64, period core.Period) ([]core.Transaction, error)
}

// HTTPSource queries the transaction service's REST API.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// transactionResponse mirrors the transaction service's response shape.
type transactionResponse struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	AccountID       int64           `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Category        string          `json:"category"`
	Description     string          `json:"description"`
	TransactionDate time.Time       `json:"transaction_date"`
}

func (s *HTTPSource) ListTransactions(ctx context.Context, userID int64, period core.Period) ([]core.Transaction, error) {
	start, end, err := period.Bounds()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/transactions/%d", s.baseURL, userID)
	query := url.Values{}
	query.Set("start_date", start.Format(time.RFC3339))
	query.Set("end_date", end.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build transaction request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list transactions for user %d: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transaction service returned %d for user %d", resp.StatusCode, userID)
	}

	var payload []transactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode transaction response: %w", err)
	}

	// The service may return the user's full history; keep only the
	// reconciled period.
	txns := make([]core.Transaction, 0, len(payload))
	for _, t := range payload {
		when := t.TransactionDate.UTC()
		if when.Before(start) || !when.Before(end) {
			continue
		}
		txns = append(txns, core.Transaction{
			ID:        t.ID,
			UserID:    t.UserID,
			AccountID: t.AccountID,
			Category:  t.Category,
			Amount:    t.Amount,
			Date:      when,
		})
	}
	return txns, nil
}

// LocalSource reads the transaction_state replica instead of the remote
// service. Used in tests and as a degraded mode when the transaction
// service is unreachable.
type LocalSource struct {
	repo *storage.Repository
}

func NewLocalSource(repo *storage.Repository) *LocalSource {
	return &LocalSource{repo: repo}
}

func (s *LocalSource) ListTransactions(ctx context.Context, userID int64, period core.Period) ([]core.Transaction, error) {
	return s.repo.ListLiveTransactions(ctx, userID, period)
}
