package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validEvent() Event {
	return Event{
		ID:            "evt-1",
		Type:          TransactionCreated,
		UserID:        7,
		AccountID:     3,
		TransactionID: 42,
		Category:      "groceries",
		Amount:        decimal.NewFromInt(25),
		OccurredAt:    time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Sequence:      1,
	}
}

func TestEventValidate(t *testing.T) {
	if err := validEvent().Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}

	prev := decimal.NewFromInt(10)
	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing id", func(e *Event) { e.ID = "  " }},
		{"unknown type", func(e *Event) { e.Type = "transaction.exploded" }},
		{"missing user", func(e *Event) { e.UserID = 0 }},
		{"missing occurred_at", func(e *Event) { e.OccurredAt = time.Time{} }},
		{"missing transaction id", func(e *Event) { e.TransactionID = 0 }},
		{"missing category", func(e *Event) { e.Category = "" }},
		{"update without previous amount", func(e *Event) { e.Type = TransactionUpdated; e.PreviousAmount = nil }},
		{"delete without previous amount", func(e *Event) { e.Type = TransactionDeleted; e.PreviousAmount = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := validEvent()
			tc.mutate(&e)
			err := e.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}

	// update with previous amount is fine
	e := validEvent()
	e.Type = TransactionUpdated
	e.PreviousAmount = &prev
	if err := e.Validate(); err != nil {
		t.Fatalf("expected valid update, got %v", err)
	}

	// balance change needs an account
	e = validEvent()
	e.Type = AccountBalanceChanged
	e.AccountID = 0
	if err := e.Validate(); err == nil {
		t.Fatalf("expected error for balance change without account")
	}
}

func TestEventPartitionKey(t *testing.T) {
	e := validEvent()
	if got := e.PartitionKey(); got != "acct:3" {
		t.Errorf("expected acct:3, got %s", got)
	}
	e.AccountID = 0
	if got := e.PartitionKey(); got != "user:7" {
		t.Errorf("expected user:7, got %s", got)
	}
}

func TestEventPeriod(t *testing.T) {
	e := validEvent()
	if got := e.Period(); got != Period("2025-03") {
		t.Errorf("expected 2025-03, got %s", got)
	}
}
