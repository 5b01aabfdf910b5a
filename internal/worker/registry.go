package worker

import (
	"context"
	"sync"
	"time"
)

// Registry tracks the cancel function of every job currently being
// processed, so an external caller (the HTTP API) can cancel a running
// job by ID. Cancellation is cooperative: the in-flight gateway call
// finishes and its items are persisted, then the job stops scheduling
// further work.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Register derives a cancellable context for the job from parent,
// applying the optional per-job deadline. The returned release func
// cancels the context and removes the entry; callers defer it.
func (r *Registry) Register(parent context.Context, jobID string, deadline time.Duration) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(parent, deadline)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	r.mu.Lock()
	r.cancels[jobID] = cancel
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.cancels, jobID)
		r.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// Cancel cancels a running job. It reports false when the job is not
// currently being processed.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Active returns the number of jobs currently registered.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
