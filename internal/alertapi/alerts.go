package alertapi

import (
	"encoding/json"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ingestRequest wraps one raw alert with optional queue bookkeeping. Bodies
// without the envelope are treated as the raw alert itself.
type ingestRequest struct {
	Alert            json.RawMessage `json:"alert"`
	AlertQueueItemID int64           `json:"alertQueueItemId"`
}

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var req ingestRequest
	_ = json.Unmarshal(body, &req)
	if len(req.Alert) == 0 {
		req.Alert = body
	}

	t, err := a.svc.ProcessAlert(r.Context(), req.Alert, req.AlertQueueItemID)
	if err != nil {
		a.logger.Error(r.Context(), err, "alert triage failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("sentinel.triage.id", t.TriageID),
		attribute.String("sentinel.triage.route", string(t.Route)),
	)

	// Triage ran synchronously; correlation and hypothesis may still be
	// running, so the overall submission is accepted rather than done.
	writeJSON(w, http.StatusAccepted, t)
}
