package recorder

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"gossh-gateway/internal/model"
)

func TestStartAppendStopRoundTrip(t *testing.T) {
	r, err := New(t.TempDir(), 1<<20, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	recordingID, err := r.Start("sess1", "alice", "example.com", 80, 24)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := r.Append("sess1", model.EventConnect, "", nil); err != nil {
		t.Fatalf("Append connect: %v", err)
	}
	if err := r.Append("sess1", model.EventOutput, "hello world\n", nil); err != nil {
		t.Fatalf("Append output: %v", err)
	}
	if err := r.Append("sess1", model.EventResize, "", map[string]string{"cols": "100", "rows": "30"}); err != nil {
		t.Fatalf("Append resize: %v", err)
	}

	if err := r.Stop("sess1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	meta, events, err := r.Load(recordingID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if meta.SessionID != "sess1" || meta.Host != "example.com" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.EndTime == nil || meta.DurationSec == nil {
		t.Fatalf("expected EndTime/DurationSec to be set after Stop")
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[1].Kind != model.EventOutput || events[1].Data != "hello world\n" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestAppendIsNoOpWithoutActiveRecording(t *testing.T) {
	r, err := New(t.TempDir(), 1<<20, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Append("no-such-session", model.EventOutput, "x", nil); err != nil {
		t.Fatalf("Append on unknown session should be a silent no-op, got %v", err)
	}
}

func TestSizeCapStopsWritesNotRotation(t *testing.T) {
	// A tiny cap that the first event already exceeds.
	r, err := New(t.TempDir(), 10, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recordingID, err := r.Start("sess1", "alice", "example.com", 80, 24)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := r.Append("sess1", model.EventOutput, "some reasonably long chunk of output", nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := r.Stop("sess1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	meta, events, err := r.Load(recordingID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if meta.EventCount != 0 {
		t.Fatalf("expected no events admitted past the size cap, got EventCount=%d", meta.EventCount)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events in the log, got %d", len(events))
	}
}

func TestSearchFiltersAndTextSearch(t *testing.T) {
	r, err := New(t.TempDir(), 1<<20, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.Start("sess1", "alice", "host-a", 80, 24); err != nil {
		t.Fatalf("Start sess1: %v", err)
	}
	r.Append("sess1", model.EventOutput, "the quick brown fox", nil)
	r.Stop("sess1")

	if _, err := r.Start("sess2", "bob", "host-b", 80, 24); err != nil {
		t.Fatalf("Start sess2: %v", err)
	}
	r.Append("sess2", model.EventOutput, "totally unrelated text", nil)
	r.Stop("sess2")

	byHost, err := r.Search(Criteria{Host: "host-a"})
	if err != nil {
		t.Fatalf("Search by host: %v", err)
	}
	if len(byHost) != 1 || byHost[0].SessionID != "sess1" {
		t.Fatalf("Search by host returned %+v", byHost)
	}

	byText, err := r.Search(Criteria{TextSearch: "QUICK BROWN"})
	if err != nil {
		t.Fatalf("Search by text: %v", err)
	}
	if len(byText) != 1 || byText[0].SessionID != "sess1" {
		t.Fatalf("case-insensitive text search returned %+v", byText)
	}

	none, err := r.Search(Criteria{TextSearch: "nonexistent phrase"})
	if err != nil {
		t.Fatalf("Search by missing text: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no matches, got %+v", none)
	}

	byUser, err := r.Search(Criteria{User: "bob"})
	if err != nil {
		t.Fatalf("Search by user: %v", err)
	}
	if len(byUser) != 1 || byUser[0].SessionID != "sess2" {
		t.Fatalf("Search by user returned %+v", byUser)
	}
}

func TestSearchTagIntersectionRequiresAllTags(t *testing.T) {
	r, err := New(t.TempDir(), 1<<20, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id1, err := r.Start("sess1", "alice", "host-a", 80, 24)
	if err != nil {
		t.Fatalf("Start sess1: %v", err)
	}
	r.Stop("sess1")
	tagRecording(t, r, id1, "prod", "incident")

	id2, err := r.Start("sess2", "alice", "host-a", 80, 24)
	if err != nil {
		t.Fatalf("Start sess2: %v", err)
	}
	r.Stop("sess2")
	tagRecording(t, r, id2, "prod")

	both, err := r.Search(Criteria{Tags: []string{"prod", "incident"}})
	if err != nil {
		t.Fatalf("Search by tag intersection: %v", err)
	}
	if len(both) != 1 || both[0].RecordingID != id1 {
		t.Fatalf("expected only the recording with both tags, got %+v", both)
	}

	either, err := r.Search(Criteria{Tags: []string{"prod"}})
	if err != nil {
		t.Fatalf("Search by single tag: %v", err)
	}
	if len(either) != 2 {
		t.Fatalf("expected both recordings tagged prod, got %+v", either)
	}
}

func TestSearchDurationRange(t *testing.T) {
	r, err := New(t.TempDir(), 1<<20, time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := r.Start("sess1", "alice", "host-a", 80, 24)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop("sess1")

	meta, _, err := r.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if meta.DurationSec == nil {
		t.Fatalf("expected DurationSec to be set")
	}

	// DurationSec is whole seconds, so a recording stopped right after
	// it started has a duration of 0s.
	tooShort := time.Second
	matches, err := r.Search(Criteria{MinDuration: &tooShort})
	if err != nil {
		t.Fatalf("Search by min duration: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected a one-second min duration to exclude the 0s recording, got %+v", matches)
	}

	generous := time.Hour
	matches, err = r.Search(Criteria{MaxDuration: &generous})
	if err != nil {
		t.Fatalf("Search by generous max duration: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected the recording to match a generous max duration, got %+v", matches)
	}
}

// tagRecording rewrites a finalized recording's metadata sidecar with
// tags, the way an operator might annotate a recording after the fact.
func tagRecording(t *testing.T, r *Recorder, recordingID string, tags ...string) {
	t.Helper()
	meta, _, err := r.Load(recordingID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	meta.Tags = tags
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	if err := os.WriteFile(r.metadataPath(recordingID), raw, 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
}

func TestRetentionSweepRemovesOldRecordings(t *testing.T) {
	r, err := New(t.TempDir(), 1<<20, time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	recordingID, err := r.Start("sess1", "alice", "host-a", 80, 24)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop("sess1")

	time.Sleep(5 * time.Millisecond)
	r.sweepOnce()

	if _, _, err := r.Load(recordingID); err == nil {
		t.Fatalf("expected recording to have been swept away")
	}
}
