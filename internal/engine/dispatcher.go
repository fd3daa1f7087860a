package engine

import (
	"context"
	"hash/fnv"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"budgetsync/internal/core"
)

// Handler processes one event to completion. Satisfied by *Engine.
type Handler interface {
	Handle(ctx context.Context, event core.Event) error
}

type task struct {
	event  core.Event
	finish func(error)
}

// Dispatcher fans deliveries out to a fixed pool of workers. Events are
// partitioned by their partition key, so every event for one account or
// user lands on the same worker and is applied in arrival order, while
// different keys proceed in parallel.
type Dispatcher struct {
	handler Handler
	queues  []chan task
	group   *errgroup.Group
}

func NewDispatcher(handler Handler, workerCount, queueDepth int) *Dispatcher {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	queues := make([]chan task, workerCount)
	for i := range queues {
		queues[i] = make(chan task, queueDepth)
	}
	return &Dispatcher{
		handler: handler,
		queues:  queues,
	}
}

// Start launches the worker pool. Workers run until Stop closes their
// queues; a cancelled context makes in-flight handling fail fast but the
// queued deliveries are still settled so the broker can redeliver them.
func (d *Dispatcher) Start(ctx context.Context) {
	d.group = &errgroup.Group{}
	for i, queue := range d.queues {
		worker := i
		q := queue
		d.group.Go(func() error {
			slog.Debug("Dispatch worker started", "worker", worker)
			for t := range q {
				t.finish(d.handler.Handle(ctx, t.event))
			}
			slog.Debug("Dispatch worker drained", "worker", worker)
			return nil
		})
	}
}

// Submit routes one event to its partition's worker. finish is invoked
// exactly once with the handling outcome; if the context is cancelled
// before the event is enqueued, finish receives the context error.
func (d *Dispatcher) Submit(ctx context.Context, event core.Event, finish func(error)) {
	queue := d.queues[d.partition(event.PartitionKey())]
	select {
	case queue <- task{event: event, finish: finish}:
	case <-ctx.Done():
		finish(ctx.Err())
	}
}

// Stop closes the queues and blocks until every queued delivery has been
// settled.
func (d *Dispatcher) Stop() {
	for _, queue := range d.queues {
		close(queue)
	}
	if d.group != nil {
		d.group.Wait()
	}
}

func (d *Dispatcher) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}
