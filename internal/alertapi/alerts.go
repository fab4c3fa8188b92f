package alertapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/arbiter/internal/alert"
	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

// submitResponse lists accepted (or deduplicated) submissions and the
// alerts that were rejected, in input order.
type submitResponse struct {
	Accepted []*triage.SubmitResult `json:"accepted"`
	Rejected []errorBody            `json:"rejected,omitempty"`
}

// errSchema replaces encoding/json errors, which can quote attacker-chosen
// map keys.
var errSchema = errs.Validation("alertapi.decode", "payload does not match the alert schema")

// readAlerts decodes either a single alert or an {"alerts":[...]} batch.
// On a decode failure it still returns whatever alert_id it can find;
// callers pass it through alert.SafeID before use.
func readAlerts(r *http.Request) (alerts []alert.Alert, batch bool, alertID string, err error) {
	const op = "alertapi.decode"

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, false, "", errs.E(errs.KindValidation, op, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, false, "", errs.Validation(op, "body is not valid JSON")
	}

	if list := gjson.GetBytes(body, "alerts"); list.IsArray() {
		var b alert.Batch
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, true, "", errSchema
		}
		return b.Alerts, true, "", nil
	}

	alertID = gjson.GetBytes(body, "alert_id").String()
	var al alert.Alert
	if err := json.Unmarshal(body, &al); err != nil {
		return nil, false, alertID, errSchema
	}
	return []alert.Alert{al}, false, al.ID, nil
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	alerts, batch, alertID, err := readAlerts(r)
	if err != nil {
		a.fail(w, r, err, alertID, "invalid alert payload")
		return
	}
	if batch && (len(alerts) == 0 || len(alerts) > triage.MaxBatch) {
		a.fail(w, r, errs.Validation("alertapi.submit", "batch size %d outside 1..%d", len(alerts), triage.MaxBatch), "", "invalid batch")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("arbiter.alerts", len(alerts)))

	resp := submitResponse{Accepted: make([]*triage.SubmitResult, 0, len(alerts))}
	var firstKind errs.Kind
	for i := range alerts {
		sr, err := a.svc.Submit(r.Context(), &alerts[i])
		if err != nil {
			kind := errs.KindOf(err)
			if firstKind == errs.KindNone {
				firstKind = kind
			}
			if !batch {
				a.fail(w, r, err, alerts[i].ID, "submit rejected")
				return
			}
			id := alert.SafeID(alerts[i].ID)
			a.logger.Warn(r.Context(), "submit rejected", "alert_id", id, "kind", kind)
			resp.Rejected = append(resp.Rejected, errorBody{Error: kind, AlertID: id})
			continue
		}
		resp.Accepted = append(resp.Accepted, sr)
	}

	if len(resp.Accepted) == 0 && firstKind != errs.KindNone {
		writeJSON(w, statusFor(firstKind), resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	alerts, batch, alertID, err := readAlerts(r)
	if err != nil {
		a.fail(w, r, err, alertID, "invalid alert payload")
		return
	}
	if batch {
		a.fail(w, r, errs.Validation("alertapi.analyze", "use /api/v1/analyze/batch for batches"), "", "invalid analyze payload")
		return
	}
	al := &alerts[0]

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("arbiter.alert.id", al.ID))

	res, err := a.svc.Analyze(r.Context(), al)
	if err != nil {
		a.fail(w, r, err, al.ID, "analyze failed")
		return
	}

	span.SetAttributes(
		attribute.String("arbiter.triage.id", res.ID),
		attribute.String("arbiter.consensus", string(res.Label)),
	)
	writeJSON(w, http.StatusOK, res)
}

type batchResponse struct {
	Results []any `json:"results"`
}

func (a *API) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var b alert.Batch
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		a.fail(w, r, errs.E(errs.KindValidation, "alertapi.analyzeBatch", err), "", "invalid batch payload")
		return
	}

	items, err := a.svc.AnalyzeBatch(r.Context(), b.Alerts)
	if err != nil {
		a.fail(w, r, err, "", "batch analyze failed")
		return
	}

	resp := batchResponse{Results: make([]any, len(items))}
	for i, it := range items {
		if it.Err != nil {
			resp.Results[i] = errorBody{Error: errs.KindOf(it.Err), AlertID: alert.SafeID(it.AlertID)}
			continue
		}
		resp.Results[i] = it.Result
	}
	writeJSON(w, http.StatusOK, resp)
}
