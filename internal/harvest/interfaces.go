package harvest

import (
	"context"
	"time"
)

// JobStore persists job records and their counters.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// UpdateJobStatus applies a lifecycle transition. Implementations
	// must refuse transitions out of terminal states.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	UpdateJobPhase(ctx context.Context, jobID string, phase Phase) error
	UpdateJobMetrics(ctx context.Context, jobID string, metrics PhaseMetrics) error
	AppendJobError(ctx context.Context, jobID string, itemErr ItemError) error
	SetJobResult(ctx context.Context, jobID string, result Result) error
}

// ContentStore persists fetched entities, deduplicated by external id
// within a job. Rows are created once and never updated.
type ContentStore interface {
	SaveGroups(ctx context.Context, groups []Group) error
	SavePosts(ctx context.Context, posts []Post) error
	SaveComments(ctx context.Context, comments []Comment) error
	// PostsByJob returns the posts a job has persisted so far. The
	// comments phase iterates them.
	PostsByJob(ctx context.Context, jobID string) ([]Post, error)
	CountByJob(ctx context.Context, jobID string) (Result, error)
}

// Queue provides at-least-once delivery of jobs ordered by priority.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	// Ack confirms the item finished processing. Idempotent.
	Ack(ctx context.Context, item QueueItem) error
}

// Gateway executes paginated calls against the external content API.
// owner identifies whose credential authenticates the call.
type Gateway interface {
	ListGroups(ctx context.Context, owner int64, ids []int64) ([]Group, error)
	ListPosts(ctx context.Context, owner, groupID int64, offset int) (PostsPage, error)
	ListComments(ctx context.Context, owner int64, post Post, offset int) (CommentsPage, error)
}

// TokenCache stores credentials keyed by owner with a TTL equal to
// their remaining lifetime.
type TokenCache interface {
	Get(ctx context.Context, ownerID int64) (Token, bool, error)
	Set(ctx context.Context, token Token) error
}

// TokenRenewer obtains a fresh credential for an owner.
type TokenRenewer interface {
	Renew(ctx context.Context, ownerID int64) (Token, error)
}

// CompletionEvent is emitted when a job reaches a terminal status.
type CompletionEvent struct {
	JobID      string    `json:"job_id"`
	Type       JobType   `json:"type"`
	Status     JobStatus `json:"status"`
	Groups     int64     `json:"groups"`
	Posts      int64     `json:"posts"`
	Comments   int64     `json:"comments"`
	DurationMs int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// Publisher pushes completion events to an external result consumer.
// It returns the broker-assigned message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, event CompletionEvent) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
