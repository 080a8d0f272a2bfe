package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinel/internal/pipeline"
	"github.com/linnemanlabs/sentinel/internal/schema"
)

// PipelineService defines the pipeline operations the HTTP surface needs.
type PipelineService interface {
	ProcessAlert(ctx context.Context, rawAlert json.RawMessage, queueItemID int64) (*schema.TriageObject, error)
	GetTriage(ctx context.Context, id string) (*schema.TriageObject, bool, error)
	ListTriages(ctx context.Context, f pipeline.TriageFilter) ([]*schema.TriageObject, error)
	Correlate(ctx context.Context, sourceTriageID string) (*schema.CorrelationBundle, error)
	GetCorrelation(ctx context.Context, id string) (*schema.CorrelationBundle, bool, error)
	Hypothesize(ctx context.Context, correlationID string) (*schema.LivingCaseObject, error)
	GetCase(ctx context.Context, id string) (*schema.LivingCaseObject, bool, error)
	ListOpenCases(ctx context.Context) ([]*schema.LivingCaseObject, error)
	OverrideCase(ctx context.Context, caseID string, target schema.CaseStatus, verdict schema.Verdict, note string) (*schema.LivingCaseObject, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    PipelineService
}

// New creates a new API handler.
func New(logger log.Logger, svc PipelineService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("pipeline service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Get("/triages", a.handleListTriages)
		r.Get("/triage/{id}", a.handleGetTriage)
		r.Post("/triage/{id}/correlate", a.handleCorrelate)
		r.Get("/correlation/{id}", a.handleGetCorrelation)
		r.Post("/correlation/{id}/hypothesize", a.handleHypothesize)
		r.Get("/cases", a.handleListCases)
		r.Get("/case/{id}", a.handleGetCase)
		r.Post("/case/{id}/status", a.handleCaseStatus)
	})
}

func (a *API) handleGetTriage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.triage.id", id))

	t, ok, err := a.svc.GetTriage(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get triage", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("sentinel.triage.status", string(t.Status)))
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleGetCorrelation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.correlation.id", id))

	b, ok, err := a.svc.GetCorrelation(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get correlation", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.case.id", id))

	c, ok, err := a.svc.GetCase(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get case", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
