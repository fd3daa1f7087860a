package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TransactionCreated    EventType = "transaction.created"
	TransactionUpdated    EventType = "transaction.updated"
	TransactionDeleted    EventType = "transaction.deleted"
	AccountBalanceChanged EventType = "account.balance_changed"
)

type (
	EventType string

	// Event is one inbound domain event from the transaction or account
	// service. Events are immutable and delivered at-least-once; ID is
	// stable across redeliveries. Ordering is only guaranteed within a
	// single account's stream.
	Event struct {
		ID            string
		Type          EventType
		UserID        int64
		AccountID     int64
		TransactionID int64
		Category      string
		Amount        decimal.Decimal
		// PreviousAmount carries the pre-image for updates and deletes so
		// the delta is self-contained regardless of arrival order.
		PreviousAmount *decimal.Decimal
		OccurredAt     time.Time
		Sequence       int64
	}
)

func (t EventType) Valid() bool {
	switch t {
	case TransactionCreated, TransactionUpdated, TransactionDeleted, AccountBalanceChanged:
		return true
	}
	return false
}

// IsTransaction reports whether the event mutates transaction state (as
// opposed to an account balance snapshot).
func (t EventType) IsTransaction() bool {
	return t == TransactionCreated || t == TransactionUpdated || t == TransactionDeleted
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, e.Type)
	}
	if e.UserID <= 0 {
		return fmt.Errorf("%w: missing user id", ErrMalformedEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrMalformedEvent)
	}
	if e.Type.IsTransaction() {
		if e.TransactionID <= 0 {
			return fmt.Errorf("%w: missing transaction id", ErrMalformedEvent)
		}
		if strings.TrimSpace(e.Category) == "" {
			return fmt.Errorf("%w: missing category", ErrMalformedEvent)
		}
	}
	if e.Type == TransactionUpdated || e.Type == TransactionDeleted {
		if e.PreviousAmount == nil {
			return fmt.Errorf("%w: %s requires previous_amount", ErrMalformedEvent, e.Type)
		}
	}
	if e.Type == AccountBalanceChanged && e.AccountID <= 0 {
		return fmt.Errorf("%w: missing account id", ErrMalformedEvent)
	}
	return nil
}

// Period returns the month key the event falls into.
func (e Event) Period() Period {
	return PeriodOf(e.OccurredAt)
}

// PartitionKey returns the key events are partitioned by: all events for
// one account are handled by a single worker in arrival order. Events
// without an account fall back to the user stream.
func (e Event) PartitionKey() string {
	if e.AccountID > 0 {
		return "acct:" + strconv.FormatInt(e.AccountID, 10)
	}
	return "user:" + strconv.FormatInt(e.UserID, 10)
}
