package memory

import (
	"context"
	"sync"

	"github.com/contentharvest/harvester/internal/harvest"
)

type contentKey struct {
	jobID      string
	externalID int64
}

// ContentStore keeps fetched entities in maps keyed by (job, external
// id). A page refetched after a retry writes the same keys, so rows
// are naturally deduplicated.
type ContentStore struct {
	mu       sync.RWMutex
	groups   map[contentKey]harvest.Group
	posts    map[contentKey]harvest.Post
	comments map[contentKey]harvest.Comment
}

// NewContentStore constructs an empty ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{
		groups:   make(map[contentKey]harvest.Group),
		posts:    make(map[contentKey]harvest.Post),
		comments: make(map[contentKey]harvest.Comment),
	}
}

// SaveGroups stores groups, ignoring duplicates within a job.
func (s *ContentStore) SaveGroups(_ context.Context, groups []harvest.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range groups {
		key := contentKey{jobID: g.JobID, externalID: g.ID}
		if _, exists := s.groups[key]; !exists {
			s.groups[key] = g
		}
	}
	return nil
}

// SavePosts stores posts, ignoring duplicates within a job.
func (s *ContentStore) SavePosts(_ context.Context, posts []harvest.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range posts {
		key := contentKey{jobID: p.JobID, externalID: p.ID}
		if _, exists := s.posts[key]; !exists {
			s.posts[key] = p
		}
	}
	return nil
}

// SaveComments stores comments, ignoring duplicates within a job.
func (s *ContentStore) SaveComments(_ context.Context, comments []harvest.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range comments {
		key := contentKey{jobID: c.JobID, externalID: c.ID}
		if _, exists := s.comments[key]; !exists {
			s.comments[key] = c
		}
	}
	return nil
}

// PostsByJob returns the stored posts for a job. Workers use it to
// drive the comments phase.
func (s *ContentStore) PostsByJob(_ context.Context, jobID string) ([]harvest.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Post
	for key, p := range s.posts {
		if key.jobID == jobID {
			out = append(out, p)
		}
	}
	return out, nil
}

// CountByJob reports how many rows of each kind a job persisted.
func (s *ContentStore) CountByJob(_ context.Context, jobID string) (harvest.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res harvest.Result
	for key := range s.groups {
		if key.jobID == jobID {
			res.Groups++
		}
	}
	for key := range s.posts {
		if key.jobID == jobID {
			res.Posts++
		}
	}
	for key := range s.comments {
		if key.jobID == jobID {
			res.Comments++
		}
	}
	return res, nil
}
