// Package memory provides queue implementations for local development.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/contentharvest/harvester/internal/harvest"
)

// Queue is a bounded in-memory priority queue with context-aware
// operations. Higher priority dequeues first; equal priorities keep
// submission order.
type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	capacity int
	seq      uint64
	notify   chan struct{}
	done     chan struct{}
	closeOne sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue pushes a job into the queue or fails when full or closed.
func (q *Queue) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	select {
	case <-q.done:
		return errors.New("queue closed")
	default:
	}

	q.mu.Lock()
	if q.items.Len() >= q.capacity {
		q.mu.Unlock()
		return errors.New("queue full")
	}
	q.seq++
	heap.Push(&q.items, queued{item: item, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue pops the highest-priority job, blocking until one arrives or
// the context ends.
func (q *Queue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(queued).item
			remaining := q.items.Len()
			q.mu.Unlock()
			if remaining > 0 {
				// Wake the next waiter; a single notify token can
				// cover several enqueues.
				q.signal()
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return harvest.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return harvest.QueueItem{}, errors.New("queue closed")
		case <-q.notify:
		}
	}
}

// Ack implements harvest.Queue. In-memory delivery is not redelivered,
// so there is nothing to confirm.
func (q *Queue) Ack(_ context.Context, _ harvest.QueueItem) error {
	return nil
}

// Close rejects further enqueues and wakes blocked consumers.
func (q *Queue) Close() {
	q.closeOne.Do(func() { close(q.done) })
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type queued struct {
	item harvest.QueueItem
	seq  uint64
}

type itemHeap []queued

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
