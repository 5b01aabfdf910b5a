package progress

import (
	"strings"
	"testing"

	"github.com/contentharvest/harvester/internal/harvest"
)

func TestPercentageWeightedPhases(t *testing.T) {
	t.Parallel()

	m := harvest.PhaseMetrics{
		GroupsTotal: 10, GroupsProcessed: 10,
		PostsTotal: 500, PostsProcessed: 250,
		CommentsTotal: 0, CommentsProcessed: 0,
	}
	// groups done (10%) + half the posts (15%) + comments not applicable (0%).
	if got := Percentage(m, DefaultWeights()); got != 25 {
		t.Fatalf("Percentage() = %d, want 25", got)
	}
}

func TestPercentageAllPhasesComplete(t *testing.T) {
	t.Parallel()

	m := harvest.PhaseMetrics{
		GroupsTotal: 10, GroupsProcessed: 10,
		PostsTotal: 500, PostsProcessed: 500,
		CommentsTotal: 7500, CommentsProcessed: 7500,
	}
	if got := Percentage(m, DefaultWeights()); got != 100 {
		t.Fatalf("Percentage() = %d, want 100", got)
	}
}

func TestPercentageClampsOvershoot(t *testing.T) {
	t.Parallel()

	m := harvest.PhaseMetrics{
		GroupsTotal: 10, GroupsProcessed: 10,
		PostsTotal: 500, PostsProcessed: 500,
		CommentsTotal: 5000, CommentsProcessed: 6000,
	}
	if got := Percentage(m, DefaultWeights()); got != 100 {
		t.Fatalf("Percentage() = %d, want 100 (comments ratio clamps to 1.0)", got)
	}

	warnings := ValidateMetrics(m)
	if len(warnings) != 1 {
		t.Fatalf("ValidateMetrics() = %v, want exactly one warning", warnings)
	}
	if !strings.Contains(warnings[0], "comments") {
		t.Fatalf("warning should name the comments phase: %s", warnings[0])
	}
}

func TestPercentageZeroTotalIsNotComplete(t *testing.T) {
	t.Parallel()

	// A phase with no total yet must contribute nothing, even with
	// processed already counted against it.
	m := harvest.PhaseMetrics{CommentsTotal: 0, CommentsProcessed: 40}
	if got := Percentage(m, DefaultWeights()); got != 0 {
		t.Fatalf("Percentage() = %d, want 0 for not-yet-applicable phases", got)
	}
}

func TestPercentageBounded(t *testing.T) {
	t.Parallel()

	values := []int64{-100, -1, 0, 1, 7, 500, 1 << 40}
	w := DefaultWeights()
	for _, gt := range values {
		for _, gp := range values {
			for _, pt := range values {
				for _, pp := range values {
					m := harvest.PhaseMetrics{
						GroupsTotal: gt, GroupsProcessed: gp,
						PostsTotal: pt, PostsProcessed: pp,
						CommentsTotal: gt, CommentsProcessed: pp,
					}
					got := Percentage(m, w)
					if got < 0 || got > 100 {
						t.Fatalf("Percentage(%+v) = %d, out of [0,100]", m, got)
					}
				}
			}
		}
	}
}

func TestPercentageMonotonicInProcessed(t *testing.T) {
	t.Parallel()

	w := DefaultWeights()
	m := harvest.PhaseMetrics{
		GroupsTotal: 10, GroupsProcessed: 10,
		PostsTotal:    500,
		CommentsTotal: 7500,
	}
	prev := -1
	for pp := int64(0); pp <= 600; pp += 10 {
		m.PostsProcessed = pp
		got := Percentage(m, w)
		if got < prev {
			t.Fatalf("percentage regressed from %d to %d at posts_processed=%d", prev, got, pp)
		}
		prev = got
	}
}

func TestEstimateTotalCapWins(t *testing.T) {
	t.Parallel()

	got := EstimateTotal(Seed{GroupCount: 5, AvgCommentsPerPost: 1000, Cap: 2000})
	if got != 2000 {
		t.Fatalf("EstimateTotal() = %d, want 2000 (cap wins)", got)
	}
}

func TestEstimateTotalHeuristic(t *testing.T) {
	t.Parallel()

	if got := EstimateTotal(Seed{GroupCount: 4, AvgCommentsPerPost: 10, Cap: 2000}); got != 40 {
		t.Fatalf("EstimateTotal() = %d, want 40", got)
	}
	if got := EstimateTotal(Seed{GroupCount: 3}); got != 3*DefaultCommentsPerPost {
		t.Fatalf("EstimateTotal() with no hint = %d, want default heuristic", got)
	}
	if got := EstimateTotal(Seed{GroupCount: 0, AvgCommentsPerPost: 10}); got != 0 {
		t.Fatalf("EstimateTotal() with no groups = %d, want 0", got)
	}
}

func TestValidateMetricsNegativeCounters(t *testing.T) {
	t.Parallel()

	m := harvest.PhaseMetrics{
		GroupsTotal: -1, GroupsProcessed: -2,
		EstimatedCommentsPerPost: -3,
	}
	warnings := ValidateMetrics(m)
	if len(warnings) != 3 {
		t.Fatalf("ValidateMetrics() = %v, want 3 warnings", warnings)
	}
}

func TestValidateMetricsCleanCounters(t *testing.T) {
	t.Parallel()

	m := harvest.PhaseMetrics{
		GroupsTotal: 10, GroupsProcessed: 5,
		PostsTotal: 100, PostsProcessed: 100,
	}
	if warnings := ValidateMetrics(m); len(warnings) != 0 {
		t.Fatalf("ValidateMetrics() = %v, want none", warnings)
	}
}

func TestWeightsValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultWeights().Validate(); err != nil {
		t.Fatalf("default weights should validate: %v", err)
	}
	if err := (Weights{Groups: 0.5, Posts: 0.5, Comments: 0.5}).Validate(); err == nil {
		t.Fatal("weights summing to 1.5 should fail validation")
	}
	if err := (Weights{Groups: -0.1, Posts: 0.5, Comments: 0.6}).Validate(); err == nil {
		t.Fatal("negative weight should fail validation")
	}
}
