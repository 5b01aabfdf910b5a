package harvest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Parameters is the per-type job parameter union. Each job type has its
// own validated variant; the accessors expose the fields phases need
// without forcing type switches on every caller.
type Parameters interface {
	JobType() JobType
	Validate() error
	// Groups returns the group identifiers the job operates on.
	Groups() []int64
	// PostCap bounds how many posts the posts phase may collect (0 = unbounded).
	PostCap() int
	// CommentCap bounds how many comments the comments phase may collect (0 = unbounded).
	CommentCap() int
	// CommentsPerPostHint seeds the a-priori comments total estimate (0 = use default).
	CommentsPerPostHint() int64
	// Deadline is the optional job-level deadline (0 = none).
	Deadline() time.Duration
}

const maxGroupIDs = 500

// GroupParams configures a process_groups job: fetch group metadata only.
type GroupParams struct {
	GroupIDs        []int64 `json:"group_ids"`
	DeadlineSeconds int     `json:"deadline_seconds,omitempty"`
}

// JobType implements Parameters.
func (p GroupParams) JobType() JobType { return JobTypeProcessGroups }

// Validate implements Parameters.
func (p GroupParams) Validate() error {
	return validateGroupIDs(p.GroupIDs)
}

// Groups implements Parameters.
func (p GroupParams) Groups() []int64 { return p.GroupIDs }

// PostCap implements Parameters.
func (p GroupParams) PostCap() int { return 0 }

// CommentCap implements Parameters.
func (p GroupParams) CommentCap() int { return 0 }

// CommentsPerPostHint implements Parameters.
func (p GroupParams) CommentsPerPostHint() int64 { return 0 }

// Deadline implements Parameters.
func (p GroupParams) Deadline() time.Duration {
	return time.Duration(p.DeadlineSeconds) * time.Second
}

// PostParams configures an analyze_posts job: groups then their posts.
type PostParams struct {
	GroupIDs        []int64 `json:"group_ids"`
	MaxPosts        int     `json:"max_posts,omitempty"`
	DeadlineSeconds int     `json:"deadline_seconds,omitempty"`
}

// JobType implements Parameters.
func (p PostParams) JobType() JobType { return JobTypeAnalyzePosts }

// Validate implements Parameters.
func (p PostParams) Validate() error {
	if err := validateGroupIDs(p.GroupIDs); err != nil {
		return err
	}
	if p.MaxPosts < 0 {
		return &ValidationError{Field: "max_posts", Reason: "must not be negative"}
	}
	return nil
}

// Groups implements Parameters.
func (p PostParams) Groups() []int64 { return p.GroupIDs }

// PostCap implements Parameters.
func (p PostParams) PostCap() int { return p.MaxPosts }

// CommentCap implements Parameters.
func (p PostParams) CommentCap() int { return 0 }

// CommentsPerPostHint implements Parameters.
func (p PostParams) CommentsPerPostHint() int64 { return 0 }

// Deadline implements Parameters.
func (p PostParams) Deadline() time.Duration {
	return time.Duration(p.DeadlineSeconds) * time.Second
}

// CommentParams configures a fetch_comments job: all three phases.
type CommentParams struct {
	GroupIDs           []int64 `json:"group_ids"`
	MaxPosts           int     `json:"max_posts,omitempty"`
	MaxComments        int     `json:"max_comments,omitempty"`
	CommentsPerPostEst int64   `json:"comments_per_post_hint,omitempty"`
	DeadlineSeconds    int     `json:"deadline_seconds,omitempty"`
}

// JobType implements Parameters.
func (p CommentParams) JobType() JobType { return JobTypeFetchComments }

// Validate implements Parameters.
func (p CommentParams) Validate() error {
	if err := validateGroupIDs(p.GroupIDs); err != nil {
		return err
	}
	if p.MaxPosts < 0 {
		return &ValidationError{Field: "max_posts", Reason: "must not be negative"}
	}
	if p.MaxComments < 0 {
		return &ValidationError{Field: "max_comments", Reason: "must not be negative"}
	}
	if p.CommentsPerPostEst < 0 {
		return &ValidationError{Field: "comments_per_post_hint", Reason: "must not be negative"}
	}
	return nil
}

// Groups implements Parameters.
func (p CommentParams) Groups() []int64 { return p.GroupIDs }

// PostCap implements Parameters.
func (p CommentParams) PostCap() int { return p.MaxPosts }

// CommentCap implements Parameters.
func (p CommentParams) CommentCap() int { return p.MaxComments }

// CommentsPerPostHint implements Parameters.
func (p CommentParams) CommentsPerPostHint() int64 { return p.CommentsPerPostEst }

// Deadline implements Parameters.
func (p CommentParams) Deadline() time.Duration {
	return time.Duration(p.DeadlineSeconds) * time.Second
}

func validateGroupIDs(ids []int64) error {
	if len(ids) == 0 {
		return &ValidationError{Field: "group_ids", Reason: "at least one group id is required"}
	}
	if len(ids) > maxGroupIDs {
		return &ValidationError{
			Field:  "group_ids",
			Reason: fmt.Sprintf("at most %d group ids per job", maxGroupIDs),
		}
	}
	for _, id := range ids {
		if id <= 0 {
			return &ValidationError{Field: "group_ids", Reason: "group ids must be positive"}
		}
	}
	return nil
}

// ParseParameters decodes and validates the raw parameter payload for
// the given job type. Unknown fields are rejected so a payload meant
// for one variant cannot silently pass as another.
func ParseParameters(t JobType, raw json.RawMessage) (Parameters, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "parameters", Reason: "parameters are required"}
	}
	var params Parameters
	switch t {
	case JobTypeProcessGroups:
		var p GroupParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		params = p
	case JobTypeAnalyzePosts:
		var p PostParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		params = p
	case JobTypeFetchComments:
		var p CommentParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		params = p
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", t)}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// MarshalParameters encodes a parameter variant for persistence.
func MarshalParameters(p Parameters) (json.RawMessage, error) {
	if p == nil {
		return nil, &ValidationError{Field: "parameters", Reason: "parameters are required"}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return raw, nil
}

func strictUnmarshal(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Field: "parameters", Reason: err.Error()}
	}
	return nil
}
