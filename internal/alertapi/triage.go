package alertapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/arbiter/internal/alert"
	"github.com/linnemanlabs/arbiter/internal/errs"
)

func (a *API) handleGetTriage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("arbiter.triage.id", id))

	result, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get triage result", "id", alert.SafeID(id))
		writeError(w, errs.KindInternal, "")
		return
	}
	if !ok {
		writeError(w, kindNotFound, "")
		return
	}

	span.SetAttributes(attribute.String("arbiter.triage.status", string(result.Status)))
	writeJSON(w, http.StatusOK, result)
}
