//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/promora/proctor/internal/sanity"
	"github.com/promora/proctor/internal/testutil"
)

// One container, one test: startup costs seconds, so the whole Store
// surface runs against a single fresh schema. This is the check that the
// goose migrations actually produce a database the store can use.
func TestPostgresStoreAgainstContainer(t *testing.T) {
	db, cleanup := testutil.PGContainer(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	base := time.Now().Add(-time.Hour).Truncate(time.Microsecond)

	vios := []struct {
		id   string
		sess string
		kind string
		at   time.Time
	}{
		{"vio_ct1", "sess-ct", "rapid-paste", base},
		{"vio_ct2", "sess-ct", "forbidden-command", base.Add(5 * time.Minute)},
		{"vio_ct3", "sess-other", "rapid-paste", base.Add(10 * time.Minute)},
	}
	for _, v := range vios {
		if err := s.RecordViolation(ctx, testViolation(v.id, v.sess, v.kind, 6, v.at)); err != nil {
			t.Fatalf("RecordViolation %s: %v", v.id, err)
		}
	}

	got, err := s.ListViolations(ctx, "sess-ct", 10)
	if err != nil {
		t.Fatalf("ListViolations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d violations for sess-ct, want 2", len(got))
	}
	if got[0].ID != "vio_ct2" || got[1].ID != "vio_ct1" {
		t.Errorf("violations not most-recent-first: %s, %s", got[0].ID, got[1].ID)
	}
	if got[1].Evidence.Detail != "matched command" {
		t.Errorf("evidence lost in round-trip: %+v", got[1].Evidence)
	}

	// Upsert path: the same ID written again replaces severity and time.
	update := testViolation("vio_ct1", "sess-ct", "rapid-paste", 8, base.Add(20*time.Minute))
	if err := s.RecordViolation(ctx, update); err != nil {
		t.Fatalf("RecordViolation upsert: %v", err)
	}
	got, err = s.ListViolations(ctx, "sess-ct", 10)
	if err != nil {
		t.Fatalf("ListViolations after upsert: %v", err)
	}
	if len(got) != 2 || got[0].ID != "vio_ct1" || got[0].Severity != 8 {
		t.Errorf("upsert did not replace in place: %+v", got)
	}

	counts, err := s.ViolationKindCounts(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ViolationKindCounts: %v", err)
	}
	if counts["rapid-paste"] != 2 || counts["forbidden-command"] != 1 {
		t.Errorf("counts = %v, want rapid-paste 2, forbidden-command 1", counts)
	}

	a := testAssessment("asmt_ct1", "sess-ct", 73.5, base.Add(30*time.Minute))
	a.Degraded = true
	a.AnomalyNotes = []sanity.AnomalyNote{
		{Kind: sanity.NoteRapidFire, Detail: "mean gap 750ms"},
	}
	if err := s.RecordAssessment(ctx, a); err != nil {
		t.Fatalf("RecordAssessment: %v", err)
	}

	asmts, err := s.ListAssessments(ctx, "sess-ct", 10)
	if err != nil {
		t.Fatalf("ListAssessments: %v", err)
	}
	if len(asmts) != 1 {
		t.Fatalf("got %d assessments, want 1", len(asmts))
	}
	back := asmts[0]
	if back.Score != 73.5 || !back.Degraded {
		t.Errorf("scalars lost in round-trip: score=%v degraded=%v", back.Score, back.Degraded)
	}
	if len(back.AnomalyNotes) != 1 || back.AnomalyNotes[0].Kind != sanity.NoteRapidFire {
		t.Errorf("anomaly notes lost in round-trip: %+v", back.AnomalyNotes)
	}
	if len(back.Checks) != 1 || back.Checks[0].Result != sanity.CheckWarning {
		t.Errorf("checks lost in round-trip: %+v", back.Checks)
	}
}
