// Package redis provides a Redis-backed job queue with priority lanes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contentharvest/harvester/internal/harvest"
)

const claimSlot = time.Second

// Queue is a reliable priority queue on Redis lists. Each priority
// lane is a pair of lists: pending and processing. Dequeue claims with
// BRPOPLPUSH so a crashed worker leaves its item in the processing
// list, where RequeueStale can recover it. Ack removes the claimed
// payload from its processing list.
type Queue struct {
	rdb    *redis.Client
	prefix string
}

// New constructs a queue. Keys are namespaced under prefix, e.g.
// "harvester:queue:high".
func New(rdb *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "harvester:queue"
	}
	return &Queue{rdb: rdb, prefix: prefix}
}

type lane struct {
	pending    string
	processing string
}

var laneNames = []string{"high", "normal", "low"}

func (q *Queue) lanes() []lane {
	out := make([]lane, 0, len(laneNames))
	for _, name := range laneNames {
		out = append(out, lane{
			pending:    fmt.Sprintf("%s:%s", q.prefix, name),
			processing: fmt.Sprintf("%s:%s:processing", q.prefix, name),
		})
	}
	return out
}

// laneForPriority maps an arbitrary integer priority onto a lane name.
// Priorities above 1 are high, below 1 low, exactly 1 normal.
func laneForPriority(p int) string {
	switch {
	case p > 1:
		return "high"
	case p < 1:
		return "low"
	default:
		return "normal"
	}
}

// Enqueue pushes the item onto its priority lane.
func (q *Queue) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	key := fmt.Sprintf("%s:%s", q.prefix, laneForPriority(item.Priority))
	if err := q.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", item.JobID, err)
	}
	return nil
}

// Dequeue claims the next item, trying lanes in priority order with
// short blocking slots so high-priority work preempts without starving
// the blocking semantics. It returns only when an item arrives or the
// context ends.
func (q *Queue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	lanes := q.lanes()
	for {
		if err := ctx.Err(); err != nil {
			return harvest.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		for _, ln := range lanes {
			payload, err := q.rdb.BRPopLPush(ctx, ln.pending, ln.processing, claimSlot).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return harvest.QueueItem{}, fmt.Errorf("claim job: %w", err)
			}
			var item harvest.QueueItem
			if err := json.Unmarshal([]byte(payload), &item); err != nil {
				// Poison payload: drop it from processing so it does
				// not requeue forever.
				_ = q.rdb.LRem(ctx, ln.processing, 1, payload).Err()
				return harvest.QueueItem{}, fmt.Errorf("decode queue item: %w", err)
			}
			return item, nil
		}
	}
}

// Ack confirms the item finished and removes it from its processing
// list. Payloads are deterministic JSON, so LREM matches the claimed
// entry exactly.
func (q *Queue) Ack(ctx context.Context, item harvest.QueueItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	ln := lane{
		processing: fmt.Sprintf("%s:%s:processing", q.prefix, laneForPriority(item.Priority)),
	}
	if err := q.rdb.LRem(ctx, ln.processing, 1, payload).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", item.JobID, err)
	}
	return nil
}

// RequeueStale moves up to maxPerLane items from each processing list
// back to its pending list. Callers run it periodically to recover
// claims abandoned by crashed workers.
func (q *Queue) RequeueStale(ctx context.Context, maxPerLane int64) (int64, error) {
	var moved int64
	for _, ln := range q.lanes() {
		for i := int64(0); i < maxPerLane; i++ {
			_, err := q.rdb.RPopLPush(ctx, ln.processing, ln.pending).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}
				return moved, fmt.Errorf("requeue stale: %w", err)
			}
			moved++
		}
	}
	return moved, nil
}
