package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"budgetsync/internal/core"
)

func createdEvent(id string, txnID int64, amount int64) core.Event {
	return core.Event{
		ID:            id,
		Type:          core.TransactionCreated,
		UserID:        1,
		AccountID:     1,
		TransactionID: txnID,
		Category:      "food",
		Amount:        decimal.NewFromInt(amount),
		OccurredAt:    time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC),
	}
}

func updatedEvent(id string, txnID int64, amount, previous int64) core.Event {
	prev := decimal.NewFromInt(previous)
	e := createdEvent(id, txnID, amount)
	e.Type = core.TransactionUpdated
	e.PreviousAmount = &prev
	return e
}

func deletedEvent(id string, txnID int64, previous int64) core.Event {
	prev := decimal.NewFromInt(previous)
	e := createdEvent(id, txnID, 0)
	e.Type = core.TransactionDeleted
	e.PreviousAmount = &prev
	return e
}

func TestApplyEventIdempotence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	res, err := repo.ApplyEvent(ctx, createdEvent("e1", 100, 50))
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !res.Evaluate {
		t.Fatal("expected evaluation after transaction apply")
	}
	if !res.Aggregate.TotalSpent.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected spent 50, got %s", res.Aggregate.TotalSpent)
	}

	// same event id again is a no-op
	_, err = repo.ApplyEvent(ctx, createdEvent("e1", 100, 50))
	if !errors.Is(err, core.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	agg, err := repo.GetAggregate(ctx, testKey())
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if !agg.TotalSpent.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("redelivery changed the aggregate: %s", agg.TotalSpent)
	}
	if agg.Version != 1 {
		t.Fatalf("redelivery bumped version: %d", agg.Version)
	}
}

// Redelivering an already-applied event stays a no-op regardless of what
// was applied in between.
func TestApplyEventDedupOrderIndependence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.ApplyEvent(ctx, createdEvent("e1", 100, 50)); err != nil {
		t.Fatalf("apply e1: %v", err)
	}
	if _, err := repo.ApplyEvent(ctx, createdEvent("e2", 101, 20)); err != nil {
		t.Fatalf("apply e2: %v", err)
	}
	if _, err := repo.ApplyEvent(ctx, updatedEvent("e3", 100, 70, 50)); err != nil {
		t.Fatalf("apply e3: %v", err)
	}

	for _, id := range []string{"e1", "e2", "e3"} {
		var stale core.Event
		switch id {
		case "e1":
			stale = createdEvent("e1", 100, 50)
		case "e2":
			stale = createdEvent("e2", 101, 20)
		case "e3":
			stale = updatedEvent("e3", 100, 70, 50)
		}
		if _, err := repo.ApplyEvent(ctx, stale); !errors.Is(err, core.ErrDuplicateEvent) {
			t.Fatalf("redelivery of %s: expected ErrDuplicateEvent, got %v", id, err)
		}
	}

	agg, err := repo.GetAggregate(ctx, testKey())
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if !agg.TotalSpent.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("expected spent 90 (70+20), got %s", agg.TotalSpent)
	}
}

func TestApplyEventConservation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	events := []core.Event{
		createdEvent("e1", 100, 30),
		createdEvent("e2", 101, 20),
		updatedEvent("e3", 100, 45, 30),
		deletedEvent("e4", 101, 20),
		createdEvent("e5", 102, 5),
	}
	for _, e := range events {
		if _, err := repo.ApplyEvent(ctx, e); err != nil {
			t.Fatalf("apply %s: %v", e.ID, err)
		}
	}

	agg, err := repo.GetAggregate(ctx, testKey())
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	// survivors: txn 100 at 45, txn 102 at 5
	if !agg.TotalSpent.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected spent 50, got %s", agg.TotalSpent)
	}
	if agg.Version != int64(len(events)) {
		t.Fatalf("expected version %d, got %d", len(events), agg.Version)
	}

	// the store's replica agrees
	txns, err := repo.ListLiveTransactions(ctx, 1, "2025-05")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	sum := decimal.Zero
	for _, txn := range txns {
		sum = sum.Add(txn.Amount)
	}
	if !sum.Equal(agg.TotalSpent) {
		t.Fatalf("replica sum %s does not match aggregate %s", sum, agg.TotalSpent)
	}
}

func TestApplyEventOutOfOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		setup []core.Event
		event core.Event
	}{
		{
			name:  "update for unknown transaction",
			event: updatedEvent("o1", 900, 10, 5),
		},
		{
			name:  "delete for unknown transaction",
			event: deletedEvent("o2", 901, 5),
		},
		{
			name:  "update with mismatched pre-image",
			setup: []core.Event{createdEvent("s3", 902, 40)},
			event: updatedEvent("o3", 902, 60, 99),
		},
		{
			name: "update after delete",
			setup: []core.Event{
				createdEvent("s4", 903, 40),
				deletedEvent("s5", 903, 40),
			},
			event: updatedEvent("o4", 903, 10, 40),
		},
		{
			name:  "duplicate create with fresh event id",
			setup: []core.Event{createdEvent("s6", 904, 15)},
			event: createdEvent("o5", 904, 15),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, e := range tc.setup {
				if _, err := repo.ApplyEvent(ctx, e); err != nil {
					t.Fatalf("setup %s: %v", e.ID, err)
				}
			}
			before, err := repo.GetAggregate(ctx, testKey())
			if err != nil {
				t.Fatalf("get aggregate: %v", err)
			}

			_, err = repo.ApplyEvent(ctx, tc.event)
			if !errors.Is(err, core.ErrOutOfOrderTransactionEvent) {
				t.Fatalf("expected ErrOutOfOrderTransactionEvent, got %v", err)
			}

			// the aggregate is untouched
			after, err := repo.GetAggregate(ctx, testKey())
			if err != nil {
				t.Fatalf("get aggregate: %v", err)
			}
			if !after.Equal(before) || after.Version != before.Version {
				t.Fatal("out-of-order event mutated the aggregate")
			}

			// the event is in the ledger so redelivery is a plain no-op
			processed, err := repo.IsProcessed(ctx, tc.event.ID)
			if err != nil {
				t.Fatalf("is processed: %v", err)
			}
			if !processed {
				t.Fatal("out-of-order event not recorded in dedup ledger")
			}

			// and the key is queued for reconciliation
			keys, err := repo.PendingReconcile(ctx)
			if err != nil {
				t.Fatalf("pending reconcile: %v", err)
			}
			found := false
			for _, k := range keys {
				if k == testKey() {
					found = true
				}
			}
			if !found {
				t.Fatal("key not queued for reconciliation")
			}
		})
	}
}

func TestApplyBalanceSnapshot(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	e := core.Event{
		ID:         "b1",
		Type:       core.AccountBalanceChanged,
		UserID:     1,
		AccountID:  7,
		Amount:     decimal.NewFromInt(1234),
		OccurredAt: time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC),
	}
	res, err := repo.ApplyEvent(ctx, e)
	if err != nil {
		t.Fatalf("apply balance: %v", err)
	}
	if res.Evaluate {
		t.Fatal("balance snapshot must not trigger evaluation")
	}

	balance, version, err := repo.GetAccountBalance(ctx, 7)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(1234)) {
		t.Fatalf("expected balance 1234, got %s", balance)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	// a later snapshot supersedes
	e2 := e
	e2.ID = "b2"
	e2.Amount = decimal.NewFromInt(900)
	if _, err := repo.ApplyEvent(ctx, e2); err != nil {
		t.Fatalf("apply second balance: %v", err)
	}
	balance, version, err = repo.GetAccountBalance(ctx, 7)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("expected balance 900, got %s", balance)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}

	// redelivery is deduplicated
	if _, err := repo.ApplyEvent(ctx, e2); !errors.Is(err, core.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestApplyEventMalformed(t *testing.T) {
	repo := newTestRepo(t)
	e := createdEvent("", 100, 50)
	_, err := repo.ApplyEvent(context.Background(), e)
	if !errors.Is(err, core.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestApplyEventConcurrent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	const n = 20
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			e := createdEvent(fmt.Sprintf("c%d", i), int64(1000+i), 1)
			for {
				_, err := repo.ApplyEvent(ctx, e)
				if errors.Is(err, core.ErrVersionConflict) || errors.Is(err, core.ErrStoreUnavailable) {
					continue
				}
				errCh <- err
				return
			}
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent apply: %v", err)
		}
	}

	agg, err := repo.GetAggregate(ctx, testKey())
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if !agg.TotalSpent.Equal(decimal.NewFromInt(n)) {
		t.Fatalf("expected spent %d, got %s", n, agg.TotalSpent)
	}
	if agg.Version != n {
		t.Fatalf("expected version %d, got %d", n, agg.Version)
	}
}
