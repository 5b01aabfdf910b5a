package memory

import (
	"context"
	"testing"

	"github.com/contentharvest/harvester/internal/harvest"
)

func TestPublisherRetainsEventsInOrder(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "harvest.completed", harvest.CompletionEvent{
		JobID:  "job-1",
		Status: harvest.JobStatusCompleted,
		Groups: 2,
	})
	if err != nil || id1 != "mem-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "harvest.completed", harvest.CompletionEvent{
		JobID:  "job-2",
		Status: harvest.JobStatusFailed,
	})
	if err != nil || id2 != "mem-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	recs := pub.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Event.JobID != "job-1" || recs[1].Event.JobID != "job-2" {
		t.Fatalf("events not recorded in publish order: %+v", recs)
	}
	if recs[1].Event.Status != harvest.JobStatusFailed {
		t.Fatalf("event fields not retained: %+v", recs[1].Event)
	}

	recs[0].Topic = "modified"
	if pub.Records()[0].Topic == "modified" {
		t.Fatal("expected Records() to return a copy")
	}
}
