// Package memory provides an in-process publisher for tests and for
// deployments that run without an event broker configured.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/contentharvest/harvester/internal/harvest"
)

// Record pairs a published completion event with its destination topic
// and the id assigned to it.
type Record struct {
	ID    string
	Topic string
	Event harvest.CompletionEvent
}

// Publisher retains every completion event in publish order.
type Publisher struct {
	mu      sync.Mutex
	records []Record
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the event and assigns a sequential message id.
func (p *Publisher) Publish(_ context.Context, topic string, event harvest.CompletionEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := Record{
		ID:    "mem-" + strconv.Itoa(len(p.records)+1),
		Topic: topic,
		Event: event,
	}
	p.records = append(p.records, rec)
	return rec.ID, nil
}

// Records returns a copy of everything published so far.
func (p *Publisher) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, len(p.records))
	copy(out, p.records)
	return out
}
