package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"budgetsync/internal/core"
	"budgetsync/internal/metrics"
	"budgetsync/internal/storage"
)

// Store is the aggregate store contract the engine drives. ApplyEvent is
// one atomic unit: dedup check, state validation, compare-and-set and the
// processed-event record commit together or not at all.
type Store interface {
	ApplyEvent(ctx context.Context, e core.Event) (storage.AppliedResult, error)
}

// Evaluator recomputes the budget status for an updated aggregate and
// reports alert-worthy transitions.
type Evaluator interface {
	Check(ctx context.Context, agg core.Aggregate) (*core.StatusChange, error)
}

// Publisher pushes status changes to the notification boundary.
type Publisher interface {
	PublishStatusChange(ctx context.Context, sc core.StatusChange) error
}

// Config bounds the engine's retry behavior.
type Config struct {
	// MaxAttempts is how many times one event is applied before the
	// failure is surfaced and redelivery takes over.
	MaxAttempts int

	// ApplyTimeout bounds a single store round trip.
	ApplyTimeout time.Duration

	// RetryBaseDelay is the first backoff step; doubles per attempt.
	RetryBaseDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		ApplyTimeout:   5 * time.Second,
		RetryBaseDelay: 25 * time.Millisecond,
	}
}

// Engine is the consistency core: it applies events logically exactly-once
// against the aggregate store, triggers budget evaluation on success and
// publishes the resulting status changes.
type Engine struct {
	store     Store
	evaluator Evaluator
	publisher Publisher
	metrics   *metrics.Metrics
	config    Config
}

func New(store Store, evaluator Evaluator, publisher Publisher, m *metrics.Metrics, config Config) *Engine {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Engine{
		store:     store,
		evaluator: evaluator,
		publisher: publisher,
		metrics:   m,
		config:    config,
	}
}

// Handle processes one delivered event to completion. A nil return means
// the delivery can be acked: applied, deduplicated, or routed to
// reconciliation. A core.ErrMalformedEvent return means the payload can
// never be applied and must not be requeued. Any other error means the
// apply could not finish within the retry budget and the event should be
// redelivered.
func (e *Engine) Handle(ctx context.Context, event core.Event) error {
	var lastErr error
	for attempt := 0; attempt < e.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.ApplyRetries.Inc()
			wait := e.config.RetryBaseDelay << uint(attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		applyCtx, cancel := context.WithTimeout(ctx, e.config.ApplyTimeout)
		res, err := e.store.ApplyEvent(applyCtx, event)
		cancel()

		switch {
		case err == nil:
			e.metrics.EventsApplied.WithLabelValues(string(event.Type)).Inc()
			if res.Evaluate {
				e.evaluate(ctx, res.Aggregate)
			}
			return nil

		case errors.Is(err, core.ErrDuplicateEvent):
			e.metrics.DuplicateEvents.Inc()
			slog.DebugContext(ctx, "Skipping already-applied event", "event_id", event.ID)
			return nil

		case errors.Is(err, core.ErrOutOfOrderTransactionEvent):
			e.metrics.OutOfOrderEvents.Inc()
			slog.WarnContext(ctx, "Out-of-order transaction event routed to reconciliation",
				"event_id", event.ID,
				"transaction_id", event.TransactionID,
				"user_id", event.UserID,
				"error", err)
			return nil

		case errors.Is(err, core.ErrMalformedEvent):
			e.metrics.MalformedEvents.Inc()
			return err

		case errors.Is(err, core.ErrVersionConflict),
			errors.Is(err, core.ErrStoreUnavailable),
			errors.Is(err, context.DeadlineExceeded):
			lastErr = err
			continue

		default:
			return fmt.Errorf("apply event %s: %w", event.ID, err)
		}
	}

	return fmt.Errorf("apply event %s exhausted %d attempts: %w",
		event.ID, e.config.MaxAttempts, lastErr)
}

// evaluate recomputes the budget status for the committed aggregate. The
// apply already committed, so evaluation failures are logged and absorbed:
// the next event for the key re-evaluates, and reconciliation corrects any
// stale derived status.
func (e *Engine) evaluate(ctx context.Context, agg core.Aggregate) {
	change, err := e.evaluator.Check(ctx, agg)
	if err != nil {
		slog.ErrorContext(ctx, "Budget evaluation failed",
			"user_id", agg.UserID,
			"category", agg.Category,
			"period", string(agg.Period),
			"error", err)
		return
	}
	if change == nil {
		return
	}

	e.metrics.StatusChanges.WithLabelValues(string(change.NewState)).Inc()
	if err := e.publisher.PublishStatusChange(ctx, *change); err != nil {
		slog.ErrorContext(ctx, "Failed to publish status change",
			"user_id", change.UserID,
			"category", change.Category,
			"new_state", string(change.NewState),
			"error", err)
	}
}
