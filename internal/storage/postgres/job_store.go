// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contentharvest/harvester/internal/harvest"
)

// ErrJobNotFound aliases the shared sentinel for convenience.
var ErrJobNotFound = harvest.ErrJobNotFound

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// NewPool opens a pgx pool from the config. Both stores can share one
// pool.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

// JobStore persists job records in the jobs table.
//
// Expected schema:
//
//	CREATE TABLE jobs (
//		id UUID PRIMARY KEY,
//		type TEXT NOT NULL,
//		status TEXT NOT NULL,
//		phase TEXT NOT NULL DEFAULT '',
//		priority INT NOT NULL DEFAULT 0,
//		owner_id BIGINT NOT NULL,
//		parameters JSONB NOT NULL,
//		metrics JSONB NOT NULL DEFAULT '{}',
//		result JSONB,
//		error_text TEXT NOT NULL DEFAULT '',
//		item_errors JSONB NOT NULL DEFAULT '[]',
//		created_at TIMESTAMPTZ NOT NULL,
//		started_at TIMESTAMPTZ,
//		finished_at TIMESTAMPTZ
//	);
type JobStore struct {
	pool  pool
	clock harvest.Clock
}

// NewJobStore constructs a JobStore on the given pool.
func NewJobStore(p pool, clock harvest.Clock) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: p, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job harvest.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	paramsJSON, err := harvest.MarshalParameters(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	metricsJSON, err := json.Marshal(job.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	query := `
INSERT INTO jobs (
	id, type, status, phase, priority, owner_id,
	parameters, metrics, error_text, item_errors, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,'[]',$10
)`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		string(job.Type),
		string(job.Status),
		string(job.Phase),
		job.Priority,
		job.OwnerID,
		[]byte(paramsJSON),
		metricsJSON,
		job.ErrorText,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (harvest.Job, error) {
	query := `
SELECT id, type, status, phase, priority, owner_id,
	parameters, metrics, result, error_text, item_errors,
	created_at, started_at, finished_at
FROM jobs WHERE id = $1`

	var (
		job         harvest.Job
		jobType     string
		status      string
		phase       string
		paramsJSON  []byte
		metricsJSON []byte
		resultJSON  []byte
		errorsJSON  []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &jobType, &status, &phase, &job.Priority, &job.OwnerID,
		&paramsJSON, &metricsJSON, &resultJSON, &job.ErrorText, &errorsJSON,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Job{}, ErrJobNotFound
		}
		return harvest.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Type = harvest.JobType(jobType)
	job.Status = harvest.JobStatus(status)
	job.Phase = harvest.Phase(phase)
	if job.Parameters, err = harvest.ParseParameters(job.Type, paramsJSON); err != nil {
		return harvest.Job{}, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal(metricsJSON, &job.Metrics); err != nil {
		return harvest.Job{}, fmt.Errorf("decode metrics: %w", err)
	}
	if len(resultJSON) > 0 {
		var result harvest.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return harvest.Job{}, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &result
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &job.ItemErrors); err != nil {
			return harvest.Job{}, fmt.Errorf("decode item errors: %w", err)
		}
	}
	return job, nil
}

// UpdateJobStatus applies a lifecycle transition. The WHERE clause
// restricts the update to statuses that may legally move to the target,
// so terminal rows are never rewritten regardless of racing callers.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status harvest.JobStatus, errText string) error {
	from := legalSources(status)
	if len(from) == 0 {
		return fmt.Errorf("no legal transition into status %s", status)
	}
	now := s.clock.Now()
	query := `
UPDATE jobs SET
	status = $2,
	error_text = $3,
	started_at = CASE WHEN $2 = 'processing' AND started_at IS NULL THEN $4 ELSE started_at END,
	finished_at = CASE WHEN $2 IN ('completed','failed','cancelled') THEN $4 ELSE finished_at END
WHERE id = $1 AND status = ANY($5)`
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, now, from)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("illegal transition to %s for job %s", status, jobID)
	}
	return nil
}

// legalSources lists statuses that CanTransition into the target.
func legalSources(to harvest.JobStatus) []string {
	var out []string
	for _, from := range []harvest.JobStatus{
		harvest.JobStatusPending,
		harvest.JobStatusProcessing,
		harvest.JobStatusCompleted,
		harvest.JobStatusFailed,
		harvest.JobStatusCancelled,
	} {
		if harvest.CanTransition(from, to) {
			out = append(out, string(from))
		}
	}
	return out
}

// UpdateJobPhase records which phase the job is currently executing.
func (s *JobStore) UpdateJobPhase(ctx context.Context, jobID string, phase harvest.Phase) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET phase = $2 WHERE id = $1`, jobID, string(phase))
	if err != nil {
		return fmt.Errorf("update job phase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// UpdateJobMetrics replaces the job's progress counters.
func (s *JobStore) UpdateJobMetrics(ctx context.Context, jobID string, metrics harvest.PhaseMetrics) error {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET metrics = $2 WHERE id = $1`, jobID, metricsJSON)
	if err != nil {
		return fmt.Errorf("update job metrics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// AppendJobError appends one item failure to the item_errors array.
func (s *JobStore) AppendJobError(ctx context.Context, jobID string, itemErr harvest.ItemError) error {
	errJSON, err := json.Marshal(itemErr)
	if err != nil {
		return fmt.Errorf("marshal item error: %w", err)
	}
	query := `UPDATE jobs SET item_errors = item_errors || $2::jsonb WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID, errJSON)
	if err != nil {
		return fmt.Errorf("append job error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetJobResult stores the final result summary.
func (s *JobStore) SetJobResult(ctx context.Context, jobID string, result harvest.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET result = $2 WHERE id = $1`, jobID, resultJSON)
	if err != nil {
		return fmt.Errorf("set job result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}
