package core

import "errors"

var (
	// ErrDuplicateEvent means the event id is already in the dedup ledger.
	// Benign: the effect is fully reflected in the aggregate.
	ErrDuplicateEvent = errors.New("event already applied")

	// ErrVersionConflict means a compare-and-set lost against a concurrent
	// writer. Retryable from a fresh read.
	ErrVersionConflict = errors.New("aggregate version conflict")

	// ErrOutOfOrderTransactionEvent means an update/delete arrived whose
	// previous amount does not match the recorded state of that transaction,
	// or references a transaction never seen. The key is routed to
	// reconciliation instead of being applied blindly.
	ErrOutOfOrderTransactionEvent = errors.New("transaction event out of causal order")

	// ErrBudgetNotFound means no budget is defined for the key. Benign skip.
	ErrBudgetNotFound = errors.New("no budget defined")

	// ErrStoreUnavailable wraps store-level failures that are worth a retry
	// through event redelivery.
	ErrStoreUnavailable = errors.New("aggregate store unavailable")

	// ErrMalformedEvent marks payloads that can never be applied. Not
	// retryable; the delivery is rejected without requeue.
	ErrMalformedEvent = errors.New("malformed event")
)
