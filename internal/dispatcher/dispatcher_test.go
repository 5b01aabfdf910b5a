// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/contentharvest/harvester/internal/harvest"
	"github.com/contentharvest/harvester/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	registry := worker.NewRegistry()
	w := worker.New(
		queue,
		nil,
		nil,
		nil,
		nil,
		registry,
		nil,
		worker.Config{},
		nil,
	)
	dispatch := New(queue, []*worker.Worker{w}, registry)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil, worker.NewRegistry())

	err := dispatch.Enqueue(context.Background(), harvest.QueueItem{JobID: "job"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

// TestDispatcherCancelRunning checks the cancel proxy reports correctly.
func TestDispatcherCancelRunning(t *testing.T) {
	t.Parallel()

	registry := worker.NewRegistry()
	dispatch := New(&errorQueue{}, nil, registry)

	if dispatch.CancelRunning("missing") {
		t.Fatal("cancel of unregistered job should report false")
	}

	ctx, release := registry.Register(context.Background(), "job-1", 0)
	defer release()
	if !dispatch.CancelRunning("job-1") {
		t.Fatal("cancel of registered job should report true")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled")
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ harvest.QueueItem) error {
	select {
	case q.started <- struct{}{}:
	default:
	}
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return harvest.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

func (q *blockingQueue) Ack(context.Context, harvest.QueueItem) error { return nil }

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, harvest.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (harvest.QueueItem, error) {
	return harvest.QueueItem{}, nil
}

func (q *errorQueue) Ack(context.Context, harvest.QueueItem) error { return nil }
