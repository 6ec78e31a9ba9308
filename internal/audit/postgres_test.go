//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/promora/proctor/internal/sanity"
	"github.com/promora/proctor/internal/testutil"
)

func TestPostgresAuditViolations(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	base := time.Now().Add(-time.Hour).Truncate(time.Microsecond)

	first := testViolation("vio_pg1", "sess-pg", "forbidden-command", 6, base)
	second := testViolation("vio_pg2", "sess-pg", "ai-overuse", 3, base.Add(5*time.Minute))
	if err := s.RecordViolation(ctx, first); err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}
	if err := s.RecordViolation(ctx, second); err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}

	// An ai-overuse episode grows in place; re-recording must upsert.
	second.Severity = 5
	second.DetectedAt = base.Add(8 * time.Minute)
	if err := s.RecordViolation(ctx, second); err != nil {
		t.Fatalf("RecordViolation upsert: %v", err)
	}

	got, err := s.ListViolations(ctx, "sess-pg", 10)
	if err != nil {
		t.Fatalf("ListViolations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d violations, want 2", len(got))
	}
	if got[0].ID != "vio_pg2" || got[0].Severity != 5 {
		t.Errorf("upserted violation = %+v, want vio_pg2 severity 5", got[0])
	}
	if got[1].ID != "vio_pg1" {
		t.Errorf("second entry = %s, want vio_pg1", got[1].ID)
	}
	if got[1].Evidence.Detail != "matched command" {
		t.Errorf("evidence lost in round-trip: %+v", got[1].Evidence)
	}
}

func TestPostgresAuditAssessments(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	base := time.Now().Add(-time.Hour).Truncate(time.Microsecond)

	a := testAssessment("asmt_pg1", "sess-pg", 42.5, base)
	a.AnomalyNotes = []sanity.AnomalyNote{
		{Kind: sanity.NoteRapidFire, Detail: "mean gap 900ms", Confidence: 0},
	}
	if err := s.RecordAssessment(ctx, a); err != nil {
		t.Fatalf("RecordAssessment: %v", err)
	}
	if err := s.RecordAssessment(ctx, testAssessment("asmt_pg2", "sess-pg", 61, base.Add(10*time.Minute))); err != nil {
		t.Fatalf("RecordAssessment: %v", err)
	}

	got, err := s.ListAssessments(ctx, "sess-pg", 10)
	if err != nil {
		t.Fatalf("ListAssessments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d assessments, want 2", len(got))
	}
	if got[0].ID != "asmt_pg2" || got[1].ID != "asmt_pg1" {
		t.Errorf("assessments not most-recent-first: %s, %s", got[0].ID, got[1].ID)
	}
	if got[1].Score != 42.5 {
		t.Errorf("Score = %v, want 42.5", got[1].Score)
	}
	if len(got[1].RedFlags) != 1 || got[1].RedFlags[0] != sanity.FlagOnlyCopies {
		t.Errorf("RedFlags lost in round-trip: %v", got[1].RedFlags)
	}
	if len(got[1].AnomalyNotes) != 1 || got[1].AnomalyNotes[0].Kind != sanity.NoteRapidFire {
		t.Errorf("AnomalyNotes lost in round-trip: %v", got[1].AnomalyNotes)
	}
	if len(got[1].Checks) != 1 || got[1].Checks[0].Result != sanity.CheckWarning {
		t.Errorf("Checks lost in round-trip: %v", got[1].Checks)
	}
}

func TestPostgresViolationKindCounts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	base := time.Now().Truncate(time.Microsecond)

	seed := []struct {
		id   string
		sess string
		kind string
		at   time.Time
	}{
		{"vio_c1", "sess-1", "forbidden-command", base.Add(-10 * time.Minute)},
		{"vio_c2", "sess-1", "forbidden-command", base.Add(-20 * time.Minute)},
		{"vio_c3", "sess-2", "rapid-paste", base.Add(-30 * time.Minute)},
		{"vio_c4", "sess-2", "forbidden-command", base.Add(-48 * time.Hour)},
	}
	for _, v := range seed {
		if err := s.RecordViolation(ctx, testViolation(v.id, v.sess, v.kind, 5, v.at)); err != nil {
			t.Fatalf("RecordViolation: %v", err)
		}
	}

	counts, err := s.ViolationKindCounts(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ViolationKindCounts: %v", err)
	}
	if counts["forbidden-command"] != 2 {
		t.Errorf("forbidden-command = %d, want 2", counts["forbidden-command"])
	}
	if counts["rapid-paste"] != 1 {
		t.Errorf("rapid-paste = %d, want 1", counts["rapid-paste"])
	}
}
