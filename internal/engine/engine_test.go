package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"budgetsync/internal/budget"
	"budgetsync/internal/core"
	"budgetsync/internal/metrics"
	"budgetsync/internal/storage"
)

type scriptedStore struct {
	mu     sync.Mutex
	errs   []error // outcome per call, nil means success; last entry repeats
	calls  int
	result storage.AppliedResult
}

func (s *scriptedStore) ApplyEvent(ctx context.Context, e core.Event) (storage.AppliedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.errs) {
		i = len(s.errs) - 1
	}
	if err := s.errs[i]; err != nil {
		return storage.AppliedResult{}, err
	}
	return s.result, nil
}

type fakeEvaluator struct {
	mu     sync.Mutex
	calls  int
	change *core.StatusChange
	err    error
}

func (f *fakeEvaluator) Check(ctx context.Context, agg core.Aggregate) (*core.StatusChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = f.calls + 1
	return f.change, f.err
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []core.StatusChange
	err       error
}

func (p *recordingPublisher) PublishStatusChange(ctx context.Context, sc core.StatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, sc)
	return nil
}

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		ApplyTimeout:   time.Second,
		RetryBaseDelay: time.Millisecond,
	}
}

func testEvent(id string) core.Event {
	return core.Event{
		ID:            id,
		Type:          core.TransactionCreated,
		UserID:        1,
		AccountID:     1,
		TransactionID: 10,
		Category:      "groceries",
		Amount:        decimal.NewFromInt(20),
		OccurredAt:    time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC),
	}
}

func newTestEngine(store Store, evaluator Evaluator, publisher Publisher) *Engine {
	return New(store, evaluator, publisher, metrics.New(prometheus.NewRegistry()), testConfig())
}

func TestHandleAppliesAndPublishes(t *testing.T) {
	agg := core.Aggregate{UserID: 1, Period: "2025-05", Category: "groceries",
		TotalSpent: decimal.NewFromInt(95), Version: 3}
	store := &scriptedStore{
		errs:   []error{nil},
		result: storage.AppliedResult{Aggregate: agg, Evaluate: true},
	}
	evaluator := &fakeEvaluator{change: &core.StatusChange{
		UserID: 1, Category: "groceries", Period: "2025-05",
		OldState: core.StateOnTrack, NewState: core.StateNearLimit,
	}}
	publisher := &recordingPublisher{}

	e := newTestEngine(store, evaluator, publisher)
	if err := e.Handle(context.Background(), testEvent("evt-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if evaluator.calls != 1 {
		t.Errorf("expected 1 evaluation, got %d", evaluator.calls)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected 1 published change, got %d", len(publisher.published))
	}
	if publisher.published[0].NewState != core.StateNearLimit {
		t.Errorf("expected near_limit, got %s", publisher.published[0].NewState)
	}
}

func TestHandleSkipsEvaluationWithoutFlag(t *testing.T) {
	store := &scriptedStore{errs: []error{nil}} // Evaluate false, e.g. balance snapshot
	evaluator := &fakeEvaluator{}
	publisher := &recordingPublisher{}

	e := newTestEngine(store, evaluator, publisher)
	if err := e.Handle(context.Background(), testEvent("evt-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if evaluator.calls != 0 {
		t.Errorf("expected no evaluation, got %d", evaluator.calls)
	}
}

func TestHandleRetriesOnVersionConflict(t *testing.T) {
	store := &scriptedStore{errs: []error{core.ErrVersionConflict, core.ErrStoreUnavailable, nil}}
	e := newTestEngine(store, &fakeEvaluator{}, &recordingPublisher{})

	if err := e.Handle(context.Background(), testEvent("evt-1")); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if store.calls != 3 {
		t.Errorf("expected 3 apply attempts, got %d", store.calls)
	}
}

func TestHandleExhaustsRetryBudget(t *testing.T) {
	store := &scriptedStore{errs: []error{core.ErrVersionConflict}}
	e := newTestEngine(store, &fakeEvaluator{}, &recordingPublisher{})

	err := e.Handle(context.Background(), testEvent("evt-1"))
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, core.ErrVersionConflict) {
		t.Errorf("expected wrapped version conflict, got %v", err)
	}
	if store.calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", store.calls)
	}
}

func TestHandleBenignOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"duplicate event", core.ErrDuplicateEvent},
		{"out of order", core.ErrOutOfOrderTransactionEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &scriptedStore{errs: []error{tt.err}}
			evaluator := &fakeEvaluator{}
			e := newTestEngine(store, evaluator, &recordingPublisher{})

			if err := e.Handle(context.Background(), testEvent("evt-1")); err != nil {
				t.Fatalf("expected benign nil, got %v", err)
			}
			if store.calls != 1 {
				t.Errorf("expected no retries, got %d attempts", store.calls)
			}
			if evaluator.calls != 0 {
				t.Errorf("expected no evaluation, got %d", evaluator.calls)
			}
		})
	}
}

func TestHandleMalformedSurfaces(t *testing.T) {
	store := &scriptedStore{errs: []error{core.ErrMalformedEvent}}
	e := newTestEngine(store, &fakeEvaluator{}, &recordingPublisher{})

	err := e.Handle(context.Background(), testEvent("evt-1"))
	if !errors.Is(err, core.ErrMalformedEvent) {
		t.Fatalf("expected malformed error to surface, got %v", err)
	}
	if store.calls != 1 {
		t.Errorf("malformed events must not be retried, got %d attempts", store.calls)
	}
}

func TestHandleUnexpectedErrorNotRetried(t *testing.T) {
	boom := errors.New("disk on fire")
	store := &scriptedStore{errs: []error{boom}}
	e := newTestEngine(store, &fakeEvaluator{}, &recordingPublisher{})

	err := e.Handle(context.Background(), testEvent("evt-1"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if store.calls != 1 {
		t.Errorf("expected single attempt, got %d", store.calls)
	}
}

func TestHandleAbsorbsEvaluationFailure(t *testing.T) {
	store := &scriptedStore{
		errs:   []error{nil},
		result: storage.AppliedResult{Evaluate: true},
	}
	evaluator := &fakeEvaluator{err: errors.New("budget store down")}
	e := newTestEngine(store, evaluator, &recordingPublisher{})

	// The aggregate committed; an evaluation failure must not trigger a
	// redelivery that would dedup to a no-op anyway.
	if err := e.Handle(context.Background(), testEvent("evt-1")); err != nil {
		t.Fatalf("expected evaluation failure to be absorbed, got %v", err)
	}
}

func TestHandleAbsorbsPublishFailure(t *testing.T) {
	store := &scriptedStore{
		errs:   []error{nil},
		result: storage.AppliedResult{Evaluate: true},
	}
	evaluator := &fakeEvaluator{change: &core.StatusChange{NewState: core.StateExceeded}}
	publisher := &recordingPublisher{err: errors.New("broker down")}
	e := newTestEngine(store, evaluator, publisher)

	if err := e.Handle(context.Background(), testEvent("evt-1")); err != nil {
		t.Fatalf("expected publish failure to be absorbed, got %v", err)
	}
}

func TestHandleStopsOnCancelledContext(t *testing.T) {
	store := &scriptedStore{errs: []error{core.ErrVersionConflict}}
	cfg := testConfig()
	cfg.MaxAttempts = 10
	cfg.RetryBaseDelay = time.Minute
	e := New(store, &fakeEvaluator{}, &recordingPublisher{},
		metrics.New(prometheus.NewRegistry()), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Handle(ctx, testEvent("evt-1")) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return after cancellation")
	}
}

// End-to-end through the real store: events cross the near-limit and the
// exceeded thresholds and each transition is published exactly once.
func TestEngineAlertPipeline(t *testing.T) {
	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "budgetsync.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	period := core.Period("2025-05")
	if err := repo.UpsertBudget(ctx, core.Budget{
		UserID: 1, Category: "groceries", Period: period,
		LimitAmount: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("upsert budget: %v", err)
	}

	publisher := &recordingPublisher{}
	e := New(repo, budget.NewEvaluator(repo, 0.9), publisher,
		metrics.New(prometheus.NewRegistry()), testConfig())

	amounts := []int64{50, 45, 10} // 50 on_track, 95 near_limit, 105 exceeded
	for i, amount := range amounts {
		event := testEvent(fmt.Sprintf("evt-%d", i))
		event.TransactionID = int64(100 + i)
		event.Amount = decimal.NewFromInt(amount)
		if err := e.Handle(ctx, event); err != nil {
			t.Fatalf("handle event %d: %v", i, err)
		}
	}

	if len(publisher.published) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(publisher.published))
	}
	if publisher.published[0].NewState != core.StateNearLimit {
		t.Errorf("expected first transition near_limit, got %s", publisher.published[0].NewState)
	}
	if publisher.published[1].NewState != core.StateExceeded {
		t.Errorf("expected second transition exceeded, got %s", publisher.published[1].NewState)
	}

	agg, err := repo.GetAggregate(ctx, core.AggregateKey{UserID: 1, Period: period, Category: "groceries"})
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if !agg.TotalSpent.Equal(decimal.NewFromInt(105)) {
		t.Errorf("expected spent 105, got %s", agg.TotalSpent)
	}
	if agg.Version != 3 {
		t.Errorf("expected version 3, got %d", agg.Version)
	}
}
