// Package harvest defines core types shared across subsystems.
package harvest

import (
	"time"
)

// JobType selects which ingestion pipeline a job runs.
type JobType string

// Job types accepted at submission.
const (
	JobTypeProcessGroups JobType = "process_groups"
	JobTypeAnalyzePosts  JobType = "analyze_posts"
	JobTypeFetchComments JobType = "fetch_comments"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeProcessGroups, JobTypeAnalyzePosts, JobTypeFetchComments:
		return true
	default:
		return false
	}
}

// JobStatus represents the lifecycle state of an ingestion job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the status can never change again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from one status to another is legal.
// Terminal states are absorbing; a job is re-run only by submitting a new one.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusCancelled
	case JobStatusProcessing:
		return to.IsTerminal()
	default:
		return false
	}
}

// Phase is one of the three sequential stages of a job.
type Phase string

// Phases in execution order. Later phases depend on identifiers
// discovered in earlier ones.
const (
	PhaseNone     Phase = ""
	PhaseGroups   Phase = "groups"
	PhasePosts    Phase = "posts"
	PhaseComments Phase = "comments"
)

// PhaseMetrics tracks per-phase progress counters for a job.
//
// Counters are mutated concurrently by phase workers; processed is not
// guaranteed to stay at or below total at read time (the comments total
// starts as an estimate and is revised later). Consumers must clamp
// ratios rather than trust them raw.
type PhaseMetrics struct {
	GroupsTotal              int64 `json:"groups_total"`
	GroupsProcessed          int64 `json:"groups_processed"`
	PostsTotal               int64 `json:"posts_total"`
	PostsProcessed           int64 `json:"posts_processed"`
	CommentsTotal            int64 `json:"comments_total"`
	CommentsProcessed        int64 `json:"comments_processed"`
	EstimatedCommentsPerPost int64 `json:"estimated_comments_per_post"`
}

// ItemError records a per-item failure that did not abort the phase.
type ItemError struct {
	Phase   Phase     `json:"phase"`
	ItemID  int64     `json:"item_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Result summarizes what a finished job persisted.
type Result struct {
	Groups     int64 `json:"groups"`
	Posts      int64 `json:"posts"`
	Comments   int64 `json:"comments"`
	DurationMs int64 `json:"duration_ms"`
}

// Job is the persisted unit of work.
type Job struct {
	ID         string       `json:"id"`
	Type       JobType      `json:"type"`
	Status     JobStatus    `json:"status"`
	Phase      Phase        `json:"phase,omitempty"`
	Priority   int          `json:"priority"`
	OwnerID    int64        `json:"owner_id"`
	Parameters Parameters   `json:"parameters"`
	Metrics    PhaseMetrics `json:"metrics"`
	Result     *Result      `json:"result,omitempty"`
	ErrorText  string       `json:"error_text,omitempty"`
	ItemErrors []ItemError  `json:"item_errors,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Group is an immutable fact fetched from the external API.
type Group struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	Name         string    `json:"name"`
	ScreenName   string    `json:"screen_name"`
	MembersCount int64     `json:"members_count"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Post is an immutable fact fetched from the external API.
type Post struct {
	ID            int64     `json:"id"`
	JobID         string    `json:"job_id"`
	GroupID       int64     `json:"group_id"`
	Text          string    `json:"text"`
	CommentsCount int64     `json:"comments_count"`
	PublishedAt   time.Time `json:"published_at"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Comment is an immutable fact fetched from the external API.
type Comment struct {
	ID          int64     `json:"id"`
	JobID       string    `json:"job_id"`
	PostID      int64     `json:"post_id"`
	AuthorID    int64     `json:"author_id"`
	Text        string    `json:"text"`
	PublishedAt time.Time `json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Token is an external-API access credential.
type Token struct {
	Value     string    `json:"value"`
	OwnerID   int64     `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TTL returns the remaining lifetime of the token at the given instant.
func (t Token) TTL(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// FreshFor reports whether the token remains valid for at least margin
// beyond the given instant.
func (t Token) FreshFor(now time.Time, margin time.Duration) bool {
	return t.Value != "" && t.ExpiresAt.After(now.Add(margin))
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID      string `json:"job_id"`
	Priority   int    `json:"priority"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// PostsPage is one page of a paginated posts listing.
type PostsPage struct {
	Posts      []Post
	Total      int64
	NextOffset int
	Done       bool
}

// CommentsPage is one page of a paginated comments listing.
type CommentsPage struct {
	Comments   []Comment
	Total      int64
	NextOffset int
	Done       bool
}
