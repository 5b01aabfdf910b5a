package postgres

import (
	"context"
	"fmt"

	"github.com/contentharvest/harvester/internal/harvest"
)

// ContentStore writes fetched entities into the groups, posts and
// comments tables. Every table carries a UNIQUE (job_id, external_id)
// constraint; inserts use ON CONFLICT DO NOTHING so a page refetched
// after a retry is a no-op.
//
// Expected schema (posts shown, groups and comments are analogous):
//
//	CREATE TABLE posts (
//		job_id UUID NOT NULL REFERENCES jobs(id),
//		external_id BIGINT NOT NULL,
//		group_id BIGINT NOT NULL,
//		text TEXT NOT NULL DEFAULT '',
//		comments_count BIGINT NOT NULL DEFAULT 0,
//		published_at TIMESTAMPTZ NOT NULL,
//		fetched_at TIMESTAMPTZ NOT NULL,
//		UNIQUE (job_id, external_id)
//	);
type ContentStore struct {
	pool pool
}

// NewContentStore constructs a ContentStore on the given pool.
func NewContentStore(p pool) (*ContentStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ContentStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *ContentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveGroups inserts group rows, skipping duplicates within a job.
func (s *ContentStore) SaveGroups(ctx context.Context, groups []harvest.Group) error {
	query := `
INSERT INTO groups (job_id, external_id, name, screen_name, members_count, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (job_id, external_id) DO NOTHING`
	for _, g := range groups {
		if _, err := s.pool.Exec(ctx, query,
			g.JobID, g.ID, g.Name, g.ScreenName, g.MembersCount, g.FetchedAt,
		); err != nil {
			return fmt.Errorf("insert group %d: %w", g.ID, err)
		}
	}
	return nil
}

// SavePosts inserts post rows, skipping duplicates within a job.
func (s *ContentStore) SavePosts(ctx context.Context, posts []harvest.Post) error {
	query := `
INSERT INTO posts (job_id, external_id, group_id, text, comments_count, published_at, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (job_id, external_id) DO NOTHING`
	for _, p := range posts {
		if _, err := s.pool.Exec(ctx, query,
			p.JobID, p.ID, p.GroupID, p.Text, p.CommentsCount, p.PublishedAt, p.FetchedAt,
		); err != nil {
			return fmt.Errorf("insert post %d: %w", p.ID, err)
		}
	}
	return nil
}

// SaveComments inserts comment rows, skipping duplicates within a job.
func (s *ContentStore) SaveComments(ctx context.Context, comments []harvest.Comment) error {
	query := `
INSERT INTO comments (job_id, external_id, post_id, author_id, text, published_at, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (job_id, external_id) DO NOTHING`
	for _, c := range comments {
		if _, err := s.pool.Exec(ctx, query,
			c.JobID, c.ID, c.PostID, c.AuthorID, c.Text, c.PublishedAt, c.FetchedAt,
		); err != nil {
			return fmt.Errorf("insert comment %d: %w", c.ID, err)
		}
	}
	return nil
}

// PostsByJob returns the posts persisted for a job.
func (s *ContentStore) PostsByJob(ctx context.Context, jobID string) ([]harvest.Post, error) {
	query := `
SELECT external_id, group_id, text, comments_count, published_at, fetched_at
FROM posts WHERE job_id = $1 ORDER BY external_id`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("select posts: %w", err)
	}
	defer rows.Close()

	var out []harvest.Post
	for rows.Next() {
		p := harvest.Post{JobID: jobID}
		if err := rows.Scan(&p.ID, &p.GroupID, &p.Text, &p.CommentsCount, &p.PublishedAt, &p.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return out, nil
}

// CountByJob reports how many rows of each kind a job persisted.
func (s *ContentStore) CountByJob(ctx context.Context, jobID string) (harvest.Result, error) {
	query := `
SELECT
	(SELECT COUNT(*) FROM groups WHERE job_id = $1),
	(SELECT COUNT(*) FROM posts WHERE job_id = $1),
	(SELECT COUNT(*) FROM comments WHERE job_id = $1)`
	var res harvest.Result
	if err := s.pool.QueryRow(ctx, query, jobID).Scan(&res.Groups, &res.Posts, &res.Comments); err != nil {
		return harvest.Result{}, fmt.Errorf("count job rows: %w", err)
	}
	return res, nil
}
