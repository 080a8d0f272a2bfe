package alertapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/sentinel/internal/pipeline"
	"github.com/linnemanlabs/sentinel/internal/schema"
)

func (a *API) handleListTriages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f pipeline.TriageFilter
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		f.Offset = n
	}
	f.Severity = schema.Severity(q.Get("severity"))
	f.Route = schema.Route(q.Get("route"))
	f.Status = schema.Status(q.Get("status"))

	triages, err := a.svc.ListTriages(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list triages")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"triages": triages})
}

func (a *API) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.triage.id", id))

	b, err := a.svc.Correlate(r.Context(), id)
	if err != nil {
		a.writeStageError(w, r, err, "correlation stage failed")
		return
	}

	span.SetAttributes(attribute.String("sentinel.correlation.id", b.CorrelationID))
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleHypothesize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.correlation.id", id))

	c, err := a.svc.Hypothesize(r.Context(), id)
	if err != nil {
		a.writeStageError(w, r, err, "hypothesis stage failed")
		return
	}

	span.SetAttributes(attribute.String("sentinel.case.id", c.CaseID))
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := a.svc.ListOpenCases(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list cases")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

// caseStatusRequest is an explicit analyst override of the case state machine.
type caseStatusRequest struct {
	Status  string `json:"status"`
	Verdict string `json:"verdict,omitempty"`
	Note    string `json:"note,omitempty"`
}

func (a *API) handleCaseStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req caseStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	target, ok := parseCaseStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	c, err := a.svc.OverrideCase(r.Context(), id, target, schema.Verdict(req.Verdict), req.Note)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrCaseNotFound):
			writeError(w, http.StatusNotFound, "not found")
		case errors.Is(err, pipeline.ErrInvalidCaseTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			a.logger.Error(r.Context(), err, "case override failed", "id", id)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// writeStageError maps pipeline stage errors onto HTTP statuses: missing
// upstream records are 404, incomplete ones 409, everything else 500.
func (a *API) writeStageError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, pipeline.ErrTriageNotFound),
		errors.Is(err, pipeline.ErrCorrelationNotFound),
		errors.Is(err, pipeline.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, pipeline.ErrTriageNotCompleted),
		errors.Is(err, pipeline.ErrCorrelationNotCompleted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseCaseStatus(s string) (schema.CaseStatus, bool) {
	switch schema.CaseStatus(s) {
	case schema.CaseOpen, schema.CaseInvestigating, schema.CaseEscalated,
		schema.CaseResolved, schema.CaseClosed, schema.CaseFalsePositive:
		return schema.CaseStatus(s), true
	}
	return "", false
}
