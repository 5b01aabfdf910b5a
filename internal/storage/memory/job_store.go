// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/contentharvest/harvester/internal/harvest"
)

// ErrJobNotFound aliases the shared sentinel for convenience.
var ErrJobNotFound = harvest.ErrJobNotFound

// JobStore keeps job records in a map guarded by a mutex.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]harvest.Job
	clock harvest.Clock
}

// NewJobStore constructs a JobStore. The clock stamps started/finished
// timestamps on transitions.
func NewJobStore(clock harvest.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]harvest.Job),
		clock: clock,
	}
}

// CreateJob stores a new job. The job must carry a unique ID.
func (s *JobStore) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return harvest.Job{}, ErrJobNotFound
	}
	return job, nil
}

// UpdateJobStatus applies a lifecycle transition, refusing illegal ones.
// Terminal states are absorbing.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status harvest.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !harvest.CanTransition(job.Status, status) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", job.Status, status, jobID)
	}
	job.Status = status
	job.ErrorText = errText
	now := s.clock.Now()
	if status == harvest.JobStatusProcessing && job.StartedAt == nil {
		job.StartedAt = pointerTime(now)
	}
	if status.IsTerminal() {
		job.FinishedAt = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateJobPhase records which phase the job is currently executing.
func (s *JobStore) UpdateJobPhase(_ context.Context, jobID string, phase harvest.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Phase = phase
	s.jobs[jobID] = job
	return nil
}

// UpdateJobMetrics replaces the job's progress counters.
func (s *JobStore) UpdateJobMetrics(_ context.Context, jobID string, metrics harvest.PhaseMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Metrics = metrics
	s.jobs[jobID] = job
	return nil
}

// AppendJobError records a per-item failure without changing status.
func (s *JobStore) AppendJobError(_ context.Context, jobID string, itemErr harvest.ItemError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.ItemErrors = append(job.ItemErrors, itemErr)
	s.jobs[jobID] = job
	return nil
}

// SetJobResult stores the final result summary.
func (s *JobStore) SetJobResult(_ context.Context, jobID string, result harvest.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.Result = &result
	s.jobs[jobID] = job
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
