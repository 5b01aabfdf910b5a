package memory

import (
	"context"
	"testing"

	"github.com/contentharvest/harvester/internal/harvest"
)

func TestContentStoreDeduplicatesWithinJob(t *testing.T) {
	t.Parallel()

	s := NewContentStore()
	ctx := context.Background()

	groups := []harvest.Group{
		{ID: 1, JobID: "job-1", Name: "first"},
		{ID: 1, JobID: "job-1", Name: "duplicate"},
		{ID: 1, JobID: "job-2", Name: "other job"},
	}
	if err := s.SaveGroups(ctx, groups); err != nil {
		t.Fatalf("SaveGroups() error = %v", err)
	}

	// Replaying the same page must not create new rows.
	if err := s.SaveGroups(ctx, groups[:1]); err != nil {
		t.Fatalf("SaveGroups() replay error = %v", err)
	}

	res, err := s.CountByJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("CountByJob() error = %v", err)
	}
	if res.Groups != 1 {
		t.Fatalf("job-1 groups = %d, want 1", res.Groups)
	}

	res, _ = s.CountByJob(ctx, "job-2")
	if res.Groups != 1 {
		t.Fatalf("job-2 groups = %d, want 1", res.Groups)
	}
}

func TestContentStoreCountsAndPostsByJob(t *testing.T) {
	t.Parallel()

	s := NewContentStore()
	ctx := context.Background()

	if err := s.SavePosts(ctx, []harvest.Post{
		{ID: 10, JobID: "job-1", GroupID: 1},
		{ID: 11, JobID: "job-1", GroupID: 1},
		{ID: 10, JobID: "job-2", GroupID: 1},
	}); err != nil {
		t.Fatalf("SavePosts() error = %v", err)
	}
	if err := s.SaveComments(ctx, []harvest.Comment{
		{ID: 100, JobID: "job-1", PostID: 10},
	}); err != nil {
		t.Fatalf("SaveComments() error = %v", err)
	}

	res, err := s.CountByJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("CountByJob() error = %v", err)
	}
	if res.Posts != 2 || res.Comments != 1 || res.Groups != 0 {
		t.Fatalf("CountByJob() = %+v", res)
	}

	posts, err := s.PostsByJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("PostsByJob() error = %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("PostsByJob() returned %d posts, want 2", len(posts))
	}
}
