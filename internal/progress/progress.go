// Package progress derives a bounded, monotonic completion percentage
// from per-phase job counters.
package progress

import (
	"fmt"
	"math"

	"github.com/contentharvest/harvester/internal/harvest"
)

// Weights allocates the overall percentage across the three phases.
// They must sum to 1.0.
type Weights struct {
	Groups   float64
	Posts    float64
	Comments float64
}

// DefaultWeights reflects the relative call volume of each phase.
func DefaultWeights() Weights {
	return Weights{Groups: 0.10, Posts: 0.30, Comments: 0.60}
}

const weightSumTolerance = 1e-9

// Validate checks that the weights are non-negative and sum to 1.0.
func (w Weights) Validate() error {
	if w.Groups < 0 || w.Posts < 0 || w.Comments < 0 {
		return fmt.Errorf("progress weights must not be negative: %+v", w)
	}
	sum := w.Groups + w.Posts + w.Comments
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("progress weights must sum to 1.0, got %v", sum)
	}
	return nil
}

// DefaultCommentsPerPost seeds the a-priori comments estimate when a
// job supplies no hint.
const DefaultCommentsPerPost = 25

// Percentage computes the overall completion percentage in [0,100].
//
// Each phase contributes weight × clamp(processed/total, 0, 1). A phase
// with total == 0 is not yet applicable and contributes 0, so a phase
// cannot report complete before it has a real (or estimated) total.
// Clamping keeps overshoot — concurrent counting, or a comments total
// that was an estimate later revised downward — from pushing the value
// above 100 or making it regress once a phase is done.
func Percentage(m harvest.PhaseMetrics, w Weights) int {
	sum := w.Groups*ratio(m.GroupsProcessed, m.GroupsTotal) +
		w.Posts*ratio(m.PostsProcessed, m.PostsTotal) +
		w.Comments*ratio(m.CommentsProcessed, m.CommentsTotal)
	pct := int(math.Round(sum * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func ratio(processed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	r := float64(processed) / float64(total)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Seed carries the inputs for the a-priori comments total estimate.
type Seed struct {
	GroupCount         int64
	AvgCommentsPerPost int64
	Cap                int64
}

// EstimateTotal produces an a-priori comments total used to seed
// progress before the posts phase has produced a real count: group
// count times the per-post average, bounded by the per-job cap when
// one is set. It is recomputed once real post counts exist.
func EstimateTotal(s Seed) int64 {
	avg := s.AvgCommentsPerPost
	if avg <= 0 {
		avg = DefaultCommentsPerPost
	}
	if s.GroupCount <= 0 {
		return 0
	}
	est := s.GroupCount * avg
	if s.Cap > 0 && est > s.Cap {
		return s.Cap
	}
	return est
}

// ValidateMetrics returns human-readable warnings for inconsistent
// counters. It never fails: a job with skewed counters still yields a
// bounded, displayable percentage.
func ValidateMetrics(m harvest.PhaseMetrics) []string {
	var warnings []string
	phases := []struct {
		name             string
		processed, total int64
	}{
		{"groups", m.GroupsProcessed, m.GroupsTotal},
		{"posts", m.PostsProcessed, m.PostsTotal},
		{"comments", m.CommentsProcessed, m.CommentsTotal},
	}
	for _, p := range phases {
		if p.processed < 0 {
			warnings = append(warnings,
				fmt.Sprintf("processed is negative for phase %s (%d)", p.name, p.processed))
		}
		if p.total < 0 {
			warnings = append(warnings,
				fmt.Sprintf("total is negative for phase %s (%d)", p.name, p.total))
		}
		if p.total > 0 && p.processed > p.total {
			warnings = append(warnings,
				fmt.Sprintf("processed exceeds total for phase %s (%d > %d)", p.name, p.processed, p.total))
		}
	}
	if m.EstimatedCommentsPerPost < 0 {
		warnings = append(warnings,
			fmt.Sprintf("estimated comments per post is negative (%d)", m.EstimatedCommentsPerPost))
	}
	return warnings
}
