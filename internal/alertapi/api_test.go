package alertapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/pipeline"
	"github.com/linnemanlabs/sentinel/internal/pipeline/memstore"
	"github.com/linnemanlabs/sentinel/internal/schema"
)

// supersetReply carries valid fields for every pipeline stage, so one stub
// serves triage, correlation, and hypothesis calls alike.
const supersetReply = `{
	"severity": "high",
	"severityConfidence": 0.9,
	"severityReasoning": "auth anomaly",
	"route": "C_HIGH_CONFIDENCE",
	"routeReasoning": "credible threat",
	"summary": "ssh brute force against web01",
	"keyEvidence": ["rule 5710"],
	"uncertainties": [],
	"correlationSummary": "single-host activity",
	"suggestedHypotheses": ["credential stuffing campaign"],
	"workingTheory": "attacker probing ssh on web01"
}`

type stubProvider struct {
	reply string
}

func (p stubProvider) Complete(_ context.Context, _ *pipeline.PromptRequest) (*pipeline.PromptResponse, error) {
	return &pipeline.PromptResponse{Text: p.reply, InputTokens: 10, OutputTokens: 5, Model: "stub"}, nil
}

func newTestAPI(t *testing.T) (*API, *memstore.Store, *pipeline.Service) {
	t.Helper()
	store := memstore.New()
	svc := pipeline.NewService(store, stubProvider{reply: supersetReply}, nil,
		pipeline.Options{}, nil, nil, nil, nil)
	api := New(nil, svc)
	return api, store, svc
}

func newTestRouter(t *testing.T) (chi.Router, *memstore.Store, *pipeline.Service) {
	t.Helper()
	api, store, svc := newTestAPI(t)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r, store, svc
}

func seedCompletedTriage(t *testing.T, store *memstore.Store, id string) *schema.TriageObject {
	t.Helper()
	tr := &schema.TriageObject{
		TriageID:      id,
		AlertID:       "alert-" + id,
		SchemaVersion: schema.Version,
		RuleID:        "5710",
		Severity:      schema.SeverityHigh,
		Route:         schema.RouteHighConfidence,
		Status:        schema.StatusCompleted,
		Entities: []schema.Entity{
			{Type: schema.EntityHost, Value: "001", Source: "alert", Confidence: 1},
		},
		TriagedAt: time.Now().UTC(),
	}
	if err := store.PutTriage(context.Background(), tr); err != nil {
		t.Fatalf("seed triage: %v", err)
	}
	return tr
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api, _, _ := newTestAPI(t)
	if api.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_WithLogger(t *testing.T) {
	t.Parallel()

	_, _, svc := newTestAPI(t)
	api := New(log.Nop(), svc)
	if api.logger == nil {
		t.Fatal("New(logger, svc) left logger nil")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(nil, nil)
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET alerts not allowed", http.MethodGet, "/api/v1/alerts", http.StatusMethodNotAllowed},
		{"PUT alerts not allowed", http.MethodPut, "/api/v1/alerts", http.StatusMethodNotAllowed},
		{"POST triages not allowed", http.MethodPost, "/api/v1/triages", http.StatusMethodNotAllowed},
		{"POST triage get not allowed", http.MethodPost, "/api/v1/triage/x", http.StatusMethodNotAllowed},
		{"GET correlate not allowed", http.MethodGet, "/api/v1/triage/x/correlate", http.StatusMethodNotAllowed},
		{"GET hypothesize not allowed", http.MethodGet, "/api/v1/correlation/x/hypothesize", http.StatusMethodNotAllowed},
		{"GET case status not allowed", http.MethodGet, "/api/v1/case/x/status", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
		{"api root", http.MethodGet, "/api/v1", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}"))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

// Alert ingestion

func TestHandleIngestAlert_RawAlertBody(t *testing.T) {
	t.Parallel()

	r, _, svc := newTestRouter(t)
	defer shutdownPipeline(t, svc)

	body := `{
		"id": "1756380000.12345",
		"timestamp": "2026-08-28T10:00:00Z",
		"rule": {"id": "5710", "level": 10, "description": "sshd: brute force attempt", "groups": ["sshd", "authentication_failed"]},
		"agent": {"id": "001", "name": "web01", "ip": "10.0.0.5"},
		"data": {"srcip": "203.0.113.7", "srcuser": "root"}
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var tr schema.TriageObject
	if err := json.NewDecoder(rec.Body).Decode(&tr); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !strings.HasPrefix(tr.TriageID, "tri-") {
		t.Errorf("triageId = %q, want tri- prefix", tr.TriageID)
	}
	if tr.Status != schema.StatusCompleted {
		t.Errorf("status = %q, want completed", tr.Status)
	}
	if tr.Route != schema.RouteHighConfidence {
		t.Errorf("route = %q, want C_HIGH_CONFIDENCE", tr.Route)
	}
	if tr.RuleID != "5710" {
		t.Errorf("ruleId = %q, want 5710", tr.RuleID)
	}
}

func TestHandleIngestAlert_EnvelopeBody(t *testing.T) {
	t.Parallel()

	r, _, svc := newTestRouter(t)
	defer shutdownPipeline(t, svc)

	body := `{
		"alertQueueItemId": 42,
		"alert": {
			"id": "1756380001.1",
			"rule": {"id": "100", "level": 3, "description": "test"},
			"agent": {"id": "002", "name": "db01"}
		}
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	var tr schema.TriageObject
	if err := json.NewDecoder(rec.Body).Decode(&tr); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if tr.AlertID != "1756380001.1" {
		t.Errorf("alertId = %q, want envelope alert id", tr.AlertID)
	}
}

func TestHandleIngestAlert_InvalidJSON(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader("{bad"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// Triage reads

func TestHandleGetTriage_NotFound(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/triage/tri-missing", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleGetTriage_Found(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestRouter(t)
	seedCompletedTriage(t, store, "tri-seeded")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/triage/tri-seeded", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var tr schema.TriageObject
	if err := json.NewDecoder(rec.Body).Decode(&tr); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if tr.TriageID != "tri-seeded" {
		t.Errorf("triageId = %q, want tri-seeded", tr.TriageID)
	}
}

func TestHandleListTriages(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestRouter(t)
	seedCompletedTriage(t, store, "tri-list-1")
	seedCompletedTriage(t, store, "tri-list-2")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/triages?limit=1", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Triages []*schema.TriageObject `json:"triages"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Triages) != 1 {
		t.Errorf("len = %d, want 1 (limit applied)", len(resp.Triages))
	}
}

func TestHandleListTriages_InvalidLimit(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/triages?limit=abc", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

// Correlation

func TestHandleCorrelate_TriageNotFound(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/triage/tri-missing/correlate", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleCorrelate_TriageNotCompleted(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestRouter(t)

	tr := seedCompletedTriage(t, store, "tri-pending")
	tr.Status = schema.StatusPending
	if err := store.PutTriage(context.Background(), tr); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/triage/tri-pending/correlate", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHandleCorrelate_Completed(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestRouter(t)
	seedCompletedTriage(t, store, "tri-corr")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/triage/tri-corr/correlate", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var b schema.CorrelationBundle
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if b.SourceTriageID != "tri-corr" {
		t.Errorf("sourceTriageId = %q, want tri-corr", b.SourceTriageID)
	}
	if !strings.HasPrefix(b.CorrelationID, "cor-") {
		t.Errorf("correlationId = %q, want cor- prefix", b.CorrelationID)
	}
	if b.Status != schema.StatusCompleted {
		t.Errorf("status = %q, want completed", b.Status)
	}
}

// Hypothesis

func TestHandleHypothesize_CorrelationNotFound(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/correlation/cor-missing/hypothesize", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleHypothesize_OpensCase(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestRouter(t)
	seedCompletedTriage(t, store, "tri-hyp")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/triage/tri-hyp/correlate", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("correlate status = %d: %s", rec.Code, rec.Body.String())
	}
	var b schema.CorrelationBundle
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatalf("failed to decode correlation: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/correlation/"+b.CorrelationID+"/hypothesize", http.NoBody)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var c schema.LivingCaseObject
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("failed to decode case: %v", err)
	}
	if !strings.HasPrefix(c.CaseID, "case-") {
		t.Errorf("caseId = %q, want case- prefix", c.CaseID)
	}
	if c.WorkingTheory != "attacker probing ssh on web01" {
		t.Errorf("workingTheory = %q, want stub theory", c.WorkingTheory)
	}
	if len(c.CorrelationIDs) != 1 || c.CorrelationIDs[0] != b.CorrelationID {
		t.Errorf("correlationIds = %v, want [%s]", c.CorrelationIDs, b.CorrelationID)
	}
}

func TestHandleListCases_ExcludesTerminal(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestRouter(t)

	now := time.Now().UTC()
	seed := []*schema.LivingCaseObject{
		{CaseID: "case-open", Status: schema.CaseOpen, OpenedAt: now.Add(-time.Hour), UpdatedAt: now},
		{CaseID: "case-closed", Status: schema.CaseClosed, OpenedAt: now.Add(-2 * time.Hour), UpdatedAt: now},
	}
	for _, c := range seed {
		if err := store.PutCase(context.Background(), c); err != nil {
			t.Fatalf("seed case: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cases", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Cases []*schema.LivingCaseObject `json:"cases"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Cases) != 1 || resp.Cases[0].CaseID != "case-open" {
		t.Errorf("cases = %+v, want only case-open", resp.Cases)
	}
}

// Case status override

func TestHandleCaseStatus_NotFound(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/case/case-missing/status",
		strings.NewReader(`{"status":"closed"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleCaseStatus_UnknownStatus(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/case/case-x/status",
		strings.NewReader(`{"status":"archived"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleCaseStatus_Override(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestRouter(t)

	now := time.Now().UTC()
	if err := store.PutCase(context.Background(), &schema.LivingCaseObject{
		CaseID:        "case-1",
		SchemaVersion: schema.Version,
		Status:        schema.CaseInvestigating,
		OpenedAt:      now,
		UpdatedAt:     now,
	}); err != nil {
		t.Fatalf("seed case: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/case/case-1/status",
		strings.NewReader(`{"status":"false_positive","verdict":"false_positive","note":"known scanner"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var c schema.LivingCaseObject
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("failed to decode case: %v", err)
	}
	if c.Status != schema.CaseFalsePositive {
		t.Errorf("status = %q, want false_positive", c.Status)
	}
	if c.Verdict != schema.VerdictFalsePositive {
		t.Errorf("verdict = %q, want false_positive", c.Verdict)
	}
}

func TestHandleCaseStatus_TerminalConflict(t *testing.T) {
	t.Parallel()

	r, store, _ := newTestRouter(t)

	now := time.Now().UTC()
	if err := store.PutCase(context.Background(), &schema.LivingCaseObject{
		CaseID:    "case-done",
		Status:    schema.CaseClosed,
		OpenedAt:  now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed case: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/case/case-done/status",
		strings.NewReader(`{"status":"open"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func shutdownPipeline(t *testing.T, svc *pipeline.Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Errorf("pipeline shutdown: %v", err)
	}
}

// Fuzz

func FuzzAlertIngestion(f *testing.F) {
	store := memstore.New()
	svc := pipeline.NewService(store, stubProvider{reply: supersetReply}, nil,
		pipeline.Options{}, nil, nil, nil, nil)
	api := New(nil, svc)
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	seeds := []struct {
		body        []byte
		contentType string
	}{
		{nil, ""},
		{[]byte(""), "application/json"},
		{[]byte("{}"), "application/json"},
		{[]byte(`{"id":"1.1","rule":{"id":"5710","level":10},"agent":{"id":"001"}}`), "application/json"},
		{[]byte(`{"alert":{"rule":{"id":"1"}},"alertQueueItemId":7}`), "application/json"},
		{[]byte("{invalid json"), "application/json"},
		{[]byte("\x00\x01\x02\xff\xfe"), "application/octet-stream"},
		{[]byte("<xml>not json</xml>"), "text/xml"},
		{[]byte(strings.Repeat("a", 10000)), "text/plain"},
	}
	for _, s := range seeds {
		f.Add(s.body, s.contentType)
	}

	f.Fuzz(func(t *testing.T, body []byte, contentType string) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(string(body)))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := httptest.NewRecorder()

		// Must not panic
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusAccepted && rec.Code != http.StatusBadRequest {
			t.Errorf("POST /api/v1/alerts with body len=%d content-type=%q = %d, want 202 or 400",
				len(body), contentType, rec.Code)
		}
	})
}
