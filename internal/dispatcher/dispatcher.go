// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/contentharvest/harvester/internal/harvest"
	"github.com/contentharvest/harvester/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers and owns the
// cancellation registry they share.
type Dispatcher struct {
	queue    harvest.Queue
	workers  []*worker.Worker
	registry *worker.Registry
}

// New creates a Dispatcher.
func New(queue harvest.Queue, workers []*worker.Worker, registry *worker.Registry) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		workers:  workers,
		registry: registry,
	}
}

// Run starts all workers and blocks until the context finishes and
// every worker has drained its current job.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// CancelRunning cancels a job currently being processed. It reports
// false when no worker holds the job.
func (d *Dispatcher) CancelRunning(jobID string) bool {
	return d.registry.Cancel(jobID)
}
