package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestHTTPSourceListTransactions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactions/7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("start_date") == "" || r.URL.Query().Get("end_date") == "" {
			t.Error("expected period bounds in query")
		}
		w.Header().Set("Content-Type", "application/json")
		// the service returns the user's full history; the out-of-period
		// April row must be filtered out
		w.Write([]byte(`[
			{"id": 1, "user_id": 7, "account_id": 3, "amount": 42.50, "category": "groceries",
			 "description": "weekly shop", "transaction_date": "2025-05-10T09:30:00Z"},
			{"id": 2, "user_id": 7, "account_id": 3, "amount": 15, "category": "dining",
			 "description": "lunch", "transaction_date": "2025-05-20T13:00:00Z"},
			{"id": 3, "user_id": 7, "account_id": 3, "amount": 99, "category": "groceries",
			 "description": "old", "transaction_date": "2025-04-02T10:00:00Z"}
		]`))
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL)
	txns, err := source.ListTransactions(context.Background(), 7, "2025-05")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}

	if len(txns) != 2 {
		t.Fatalf("expected 2 in-period transactions, got %d", len(txns))
	}
	if !txns[0].Amount.Equal(decimal.RequireFromString("42.5")) {
		t.Errorf("expected amount 42.5, got %s", txns[0].Amount)
	}
	if txns[1].Category != "dining" {
		t.Errorf("expected dining, got %s", txns[1].Category)
	}
}

func TestHTTPSourceServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL)
	if _, err := source.ListTransactions(context.Background(), 7, "2025-05"); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestHTTPSourceInvalidPeriod(t *testing.T) {
	source := NewHTTPSource("http://localhost:0")
	if _, err := source.ListTransactions(context.Background(), 7, "not-a-period"); err == nil {
		t.Fatal("expected error for invalid period")
	}
}
