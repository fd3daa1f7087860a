package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"budgetsync/internal/core"
	"budgetsync/internal/metrics"
)

// Store is the aggregate store surface the sweep needs.
type Store interface {
	PendingReconcile(ctx context.Context) ([]core.AggregateKey, error)
	ClearReconcile(ctx context.Context, key core.AggregateKey) error
	DistinctUsers(ctx context.Context) ([]int64, error)
	ListAggregates(ctx context.Context, userID int64, period core.Period) ([]core.Aggregate, error)
	GetAggregate(ctx context.Context, key core.AggregateKey) (core.Aggregate, error)
	ReplaceAggregate(ctx context.Context, key core.AggregateKey, expectedVersion int64, agg core.Aggregate) error
	PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error)
}

// Config tunes the reconciliation job.
type Config struct {
	// Interval between sweeps; the first sweep runs immediately on Start.
	Interval time.Duration

	// DedupRetention is how long processed-event records are kept before
	// the ledger is pruned. Must comfortably exceed the broker's maximum
	// redelivery horizon.
	DedupRetention time.Duration

	// ReplaceMaxAttempts bounds the CAS retry when a live event races a
	// correction.
	ReplaceMaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		Interval:           time.Hour,
		DedupRetention:     7 * 24 * time.Hour,
		ReplaceMaxAttempts: 3,
	}
}

// Job periodically recomputes aggregates from the authoritative
// transaction source and corrects drift. Keys flagged by out-of-order
// events are swept first, then every known user for the current period.
type Job struct {
	store   Store
	source  Source
	metrics *metrics.Metrics
	config  Config
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewJob(store Store, source Source, m *metrics.Metrics, config Config) *Job {
	if config.ReplaceMaxAttempts < 1 {
		config.ReplaceMaxAttempts = 1
	}
	return &Job{
		store:   store,
		source:  source,
		metrics: m,
		config:  config,
		now:     time.Now,
	}
}

// Start launches the sweep loop. Returns an error if already running.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("reconciliation job is already running")
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.runLoop(ctx)

	slog.InfoContext(ctx, "Reconciliation job started",
		"interval", j.config.Interval,
		"dedup_retention", j.config.DedupRetention)
	return nil
}

// Stop signals the loop and waits for the in-flight sweep to finish or the
// context to expire.
func (j *Job) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.mu.Unlock()

	close(j.stopCh)

	select {
	case <-j.doneCh:
		slog.InfoContext(ctx, "Reconciliation job stopped")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Reconciliation job stop timed out")
		return ctx.Err()
	}

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
	return nil
}

func (j *Job) runLoop(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	// First pass right away so a restarted engine converges without
	// waiting a full interval.
	j.sweep(ctx)

	for {
		select {
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Job) sweep(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "Reconciliation sweep failed", "error", err)
	}
}

// RunOnce performs one full sweep. Per-user failures are isolated: they
// are logged and counted, and the sweep moves on. An error is returned
// only when the sweep cannot make progress at all.
func (j *Job) RunOnce(ctx context.Context) error {
	started := j.now()
	period := core.CurrentPeriod()

	type userPeriod struct {
		userID int64
		period core.Period
	}
	done := make(map[userPeriod]bool)
	failures := 0

	// Out-of-order events flagged these keys; their users go first.
	flagged, err := j.store.PendingReconcile(ctx)
	if err != nil {
		return fmt.Errorf("list flagged keys: %w", err)
	}
	for _, key := range flagged {
		up := userPeriod{key.UserID, key.Period}
		if !done[up] {
			if err := j.reconcileUser(ctx, key.UserID, key.Period); err != nil {
				failures++
				j.metrics.ReconcileUserFailures.Inc()
				slog.ErrorContext(ctx, "Failed to reconcile flagged user",
					"user_id", key.UserID,
					"period", string(key.Period),
					"error", err)
				continue
			}
			done[up] = true
		}
		if err := j.store.ClearReconcile(ctx, key); err != nil {
			slog.ErrorContext(ctx, "Failed to clear reconcile flag",
				"key", key.String(), "error", err)
		}
	}

	users, err := j.store.DistinctUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, userID := range users {
		if done[userPeriod{userID, period}] {
			continue
		}
		if err := j.reconcileUser(ctx, userID, period); err != nil {
			failures++
			j.metrics.ReconcileUserFailures.Inc()
			slog.ErrorContext(ctx, "Failed to reconcile user",
				"user_id", userID,
				"period", string(period),
				"error", err)
		}
	}

	if _, err := j.store.PruneProcessedEvents(ctx, j.now().Add(-j.config.DedupRetention)); err != nil {
		slog.ErrorContext(ctx, "Failed to prune dedup ledger", "error", err)
	}

	j.metrics.ReconcileRuns.Inc()
	j.metrics.LastReconcileUnix.Set(float64(j.now().Unix()))
	slog.InfoContext(ctx, "Reconciliation sweep completed",
		"users", len(users),
		"flagged_keys", len(flagged),
		"failures", failures,
		"duration", j.now().Sub(started).Round(time.Millisecond))
	return nil
}

// reconcileUser recomputes one user's per-category totals for one period
// from the source of truth and corrects every drifted aggregate.
func (j *Job) reconcileUser(ctx context.Context, userID int64, period core.Period) error {
	txns, err := j.source.ListTransactions(ctx, userID, period)
	if err != nil {
		return fmt.Errorf("fetch authoritative transactions: %w", err)
	}
	truth := core.RecomputeAggregates(userID, period, txns)

	stored, err := j.store.ListAggregates(ctx, userID, period)
	if err != nil {
		return fmt.Errorf("list stored aggregates: %w", err)
	}

	categories := make(map[string]bool, len(truth)+len(stored))
	for category := range truth {
		categories[category] = true
	}
	for _, agg := range stored {
		categories[agg.Category] = true
	}

	for category := range categories {
		key := core.AggregateKey{UserID: userID, Period: period, Category: category}
		expected, ok := truth[category]
		if !ok {
			expected = core.ZeroAggregate(key)
		}
		if err := j.correctDrift(ctx, key, expected); err != nil {
			return fmt.Errorf("correct %s: %w", key.String(), err)
		}
	}
	return nil
}

// correctDrift compares one stored aggregate with its recomputed truth and
// CAS-overwrites it when the totals disagree. Live events may race the
// correction; a version conflict re-reads and retries.
func (j *Job) correctDrift(ctx context.Context, key core.AggregateKey, expected core.Aggregate) error {
	var lastErr error
	for attempt := 0; attempt < j.config.ReplaceMaxAttempts; attempt++ {
		stored, err := j.store.GetAggregate(ctx, key)
		if err != nil {
			return err
		}
		if stored.Equal(expected) {
			return nil
		}

		drift := stored.TotalSpent.Sub(expected.TotalSpent).Abs().
			Add(stored.TotalIncome.Sub(expected.TotalIncome).Abs())
		corrected := expected
		corrected.LastAppliedEventID = stored.LastAppliedEventID
		corrected.Version = stored.Version + 1

		err = j.store.ReplaceAggregate(ctx, key, stored.Version, corrected)
		if err == nil {
			j.metrics.DriftMagnitude.Observe(drift.InexactFloat64())
			slog.WarnContext(ctx, "Corrected drifted aggregate",
				"user_id", key.UserID,
				"period", string(key.Period),
				"category", key.Category,
				"stored_spent", stored.TotalSpent.String(),
				"expected_spent", expected.TotalSpent.String(),
				"stored_income", stored.TotalIncome.String(),
				"expected_income", expected.TotalIncome.String(),
				"drift", drift.String(),
				"version", corrected.Version)
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("replace after %d attempts: %w", j.config.ReplaceMaxAttempts, lastErr)
}
