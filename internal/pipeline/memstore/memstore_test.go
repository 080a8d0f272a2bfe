package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/pipeline"
	"github.com/linnemanlabs/sentinel/internal/schema"
)

func triage(id, alertID string, status schema.Status, at time.Time) *schema.TriageObject {
	return &schema.TriageObject{
		TriageID:  id,
		AlertID:   alertID,
		Status:    status,
		TriagedAt: at,
	}
}

func TestPutGetTriage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	now := time.Now().UTC()
	in := triage("tri-1", "alert-1", schema.StatusCompleted, now)
	in.Severity = schema.SeverityHigh

	if err := s.PutTriage(ctx, in); err != nil {
		t.Fatalf("PutTriage: %v", err)
	}

	got, ok, err := s.GetTriage(ctx, "tri-1")
	if err != nil || !ok {
		t.Fatalf("GetTriage = %v, %v, %v", got, ok, err)
	}
	if got.Severity != schema.SeverityHigh {
		t.Errorf("Severity = %q, want high", got.Severity)
	}

	// stored record is a copy, caller mutations must not leak
	got.Severity = schema.SeverityLow
	again, _, _ := s.GetTriage(ctx, "tri-1")
	if again.Severity != schema.SeverityHigh {
		t.Error("store returned a shared pointer, want a copy")
	}

	if _, ok, err := s.GetTriage(ctx, "tri-missing"); ok || err != nil {
		t.Errorf("GetTriage(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestGetTriageByAlertID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	now := time.Now().UTC()
	if err := s.PutTriage(ctx, triage("tri-1", "alert-1", schema.StatusCompleted, now)); err != nil {
		t.Fatalf("PutTriage: %v", err)
	}

	got, ok, err := s.GetTriageByAlertID(ctx, "alert-1")
	if err != nil || !ok || got.TriageID != "tri-1" {
		t.Fatalf("GetTriageByAlertID = %+v, %v, %v", got, ok, err)
	}

	if _, ok, _ := s.GetTriageByAlertID(ctx, "alert-unknown"); ok {
		t.Error("GetTriageByAlertID(unknown) ok = true, want false")
	}
}

func TestListTriages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	now := time.Now().UTC()
	seed := []*schema.TriageObject{
		triage("tri-1", "a1", schema.StatusCompleted, now.Add(-3*time.Minute)),
		triage("tri-2", "a2", schema.StatusCompleted, now.Add(-2*time.Minute)),
		triage("tri-3", "a3", schema.StatusFailed, now.Add(-1*time.Minute)),
	}
	seed[0].Severity = schema.SeverityHigh
	seed[0].Route = schema.RouteHighConfidence
	seed[1].Severity = schema.SeverityLow
	seed[1].Route = schema.RouteLikelyBenign
	for _, tr := range seed {
		if err := s.PutTriage(ctx, tr); err != nil {
			t.Fatalf("PutTriage: %v", err)
		}
	}

	t.Run("newest first", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListTriages(ctx, pipeline.TriageFilter{})
		if err != nil {
			t.Fatalf("ListTriages: %v", err)
		}
		if len(got) != 3 || got[0].TriageID != "tri-3" || got[2].TriageID != "tri-1" {
			t.Errorf("order = %v", ids(got))
		}
	})

	t.Run("severity filter", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListTriages(ctx, pipeline.TriageFilter{Severity: schema.SeverityHigh})
		if err != nil {
			t.Fatalf("ListTriages: %v", err)
		}
		if len(got) != 1 || got[0].TriageID != "tri-1" {
			t.Errorf("severity filter = %v", ids(got))
		}
	})

	t.Run("route filter", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListTriages(ctx, pipeline.TriageFilter{Route: schema.RouteLikelyBenign})
		if err != nil {
			t.Fatalf("ListTriages: %v", err)
		}
		if len(got) != 1 || got[0].TriageID != "tri-2" {
			t.Errorf("route filter = %v", ids(got))
		}
	})

	t.Run("status filter", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListTriages(ctx, pipeline.TriageFilter{Status: schema.StatusFailed})
		if err != nil {
			t.Fatalf("ListTriages: %v", err)
		}
		if len(got) != 1 || got[0].TriageID != "tri-3" {
			t.Errorf("status filter = %v", ids(got))
		}
	})

	t.Run("limit and offset", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListTriages(ctx, pipeline.TriageFilter{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("ListTriages: %v", err)
		}
		if len(got) != 1 || got[0].TriageID != "tri-2" {
			t.Errorf("page = %v", ids(got))
		}
	})

	t.Run("offset past end", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListTriages(ctx, pipeline.TriageFilter{Offset: 50})
		if err != nil {
			t.Fatalf("ListTriages: %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("offset past end = %v, want empty non-nil", got)
		}
	})
}

func TestRecentTriages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	now := time.Now().UTC()
	// only completed triages enter the recent window
	if err := s.PutTriage(ctx, triage("tri-pending", "a0", schema.StatusPending, now)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutTriage(ctx, triage("tri-old", "a1", schema.StatusCompleted, now.Add(-2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.PutTriage(ctx, triage("tri-new", "a2", schema.StatusCompleted, now.Add(-5*time.Minute))); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentTriages(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("RecentTriages: %v", err)
	}
	if len(got) != 1 || got[0].TriageID != "tri-new" {
		t.Errorf("RecentTriages = %v, want [tri-new]", ids(got))
	}

	all, err := s.RecentTriages(ctx, now.Add(-3*time.Hour), 10)
	if err != nil {
		t.Fatalf("RecentTriages: %v", err)
	}
	if len(all) != 2 || all[0].TriageID != "tri-new" {
		t.Errorf("RecentTriages wide window = %v, want newest first", ids(all))
	}

	limited, err := s.RecentTriages(ctx, now.Add(-3*time.Hour), 1)
	if err != nil {
		t.Fatalf("RecentTriages: %v", err)
	}
	if len(limited) != 1 || limited[0].TriageID != "tri-new" {
		t.Errorf("RecentTriages limit=1 = %v", ids(limited))
	}
}

func TestRecentTriages_ConcurrentCaseLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	now := time.Now().UTC()
	if err := s.PutTriage(ctx, triage("tri-1", "a1", schema.StatusCompleted, now)); err != nil {
		t.Fatal(err)
	}

	// The hypothesis stage attaches case links while other workers read the
	// recent window; both must be safe under the race detector.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if err := s.SetTriageCaseLink(ctx, "tri-1", "case-1"); err != nil {
				t.Errorf("SetTriageCaseLink: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			got, err := s.RecentTriages(ctx, now.Add(-time.Hour), 10)
			if err != nil {
				t.Errorf("RecentTriages: %v", err)
				return
			}
			if len(got) != 1 {
				t.Errorf("RecentTriages = %v, want 1 entry", ids(got))
				return
			}
		}
	}()
	wg.Wait()
}

func TestSetTriageCaseLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	if err := s.PutTriage(ctx, triage("tri-1", "a1", schema.StatusCompleted, time.Now())); err != nil {
		t.Fatal(err)
	}

	if err := s.SetTriageCaseLink(ctx, "tri-1", "case-1"); err != nil {
		t.Fatalf("SetTriageCaseLink: %v", err)
	}
	got, _, _ := s.GetTriage(ctx, "tri-1")
	if got.CaseLink != "case-1" {
		t.Errorf("CaseLink = %q, want case-1", got.CaseLink)
	}

	err := s.SetTriageCaseLink(ctx, "tri-missing", "case-1")
	if !errors.Is(err, pipeline.ErrTriageNotFound) {
		t.Errorf("SetTriageCaseLink(missing) = %v, want ErrTriageNotFound", err)
	}
}

func TestCorrelations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	b := &schema.CorrelationBundle{
		CorrelationID:  "cor-1",
		SourceTriageID: "tri-1",
		Status:         schema.StatusCompleted,
		RiskScore:      42,
	}
	if err := s.PutCorrelation(ctx, b); err != nil {
		t.Fatalf("PutCorrelation: %v", err)
	}

	got, ok, err := s.GetCorrelation(ctx, "cor-1")
	if err != nil || !ok || got.RiskScore != 42 {
		t.Fatalf("GetCorrelation = %+v, %v, %v", got, ok, err)
	}

	if _, ok, _ := s.GetCorrelation(ctx, "cor-missing"); ok {
		t.Error("GetCorrelation(missing) ok = true")
	}
}

func TestOpenCases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	now := time.Now().UTC()
	cases := []*schema.LivingCaseObject{
		{CaseID: "case-2", Status: schema.CaseInvestigating, OpenedAt: now.Add(-time.Hour)},
		{CaseID: "case-1", Status: schema.CaseOpen, OpenedAt: now.Add(-2 * time.Hour)},
		{CaseID: "case-3", Status: schema.CaseClosed, OpenedAt: now.Add(-3 * time.Hour)},
		{CaseID: "case-4", Status: schema.CaseFalsePositive, OpenedAt: now},
	}
	for _, c := range cases {
		if err := s.PutCase(ctx, c); err != nil {
			t.Fatalf("PutCase: %v", err)
		}
	}

	got, err := s.OpenCases(ctx)
	if err != nil {
		t.Fatalf("OpenCases: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("OpenCases = %d cases, want 2 (terminal excluded)", len(got))
	}
	// oldest first
	if got[0].CaseID != "case-1" || got[1].CaseID != "case-2" {
		t.Errorf("OpenCases order = [%s %s], want [case-1 case-2]", got[0].CaseID, got[1].CaseID)
	}
}

func ids(ts []*schema.TriageObject) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.TriageID)
	}
	return out
}
