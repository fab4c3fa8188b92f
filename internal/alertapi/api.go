// Package alertapi exposes the triage service over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/arbiter/internal/alert"
	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/retrieval"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

// TriageService defines the business operations alertapi needs.
type TriageService interface {
	Submit(ctx context.Context, al *alert.Alert) (*triage.SubmitResult, error)
	Analyze(ctx context.Context, al *alert.Alert) (*triage.Result, error)
	AnalyzeBatch(ctx context.Context, alerts []alert.Alert) ([]triage.BatchItem, error)
	Get(ctx context.Context, id string) (*triage.Result, bool, error)
}

// KnowledgeBase is the retrieval surface alertapi needs.
type KnowledgeBase interface {
	Search(ctx context.Context, query string, collections []retrieval.Collection, topK int, minSimilarity float64) ([]retrieval.Snippet, error)
	Ingest(ctx context.Context, collection string, docs []retrieval.Document) ([]string, error)
	Collections() []retrieval.CollectionInfo
}

// Probe checks one dependency for GET /api/v1/health.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// DefaultProbeTimeout bounds each health probe.
const DefaultProbeTimeout = 2 * time.Second

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	svc          TriageService
	kb           KnowledgeBase
	probes       []Probe
	probeTimeout time.Duration
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService, kb KnowledgeBase, probes ...Probe) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	if kb == nil {
		panic(xerrors.New("knowledge base is required"))
	}
	return &API{
		logger:       logger.With("component", "alertapi"),
		svc:          svc,
		kb:           kb,
		probes:       probes,
		probeTimeout: DefaultProbeTimeout,
	}
}

// RegisterRoutes attaches API endpoints to the router. guard wraps every
// endpoint except health, which load balancers probe without credentials.
func (a *API) RegisterRoutes(r chi.Router, guard ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(guard...)
			r.Post("/alerts", a.handleSubmit)
			r.Post("/analyze", a.handleAnalyze)
			r.Post("/analyze/batch", a.handleAnalyzeBatch)
			r.Get("/triage/{id}", a.handleGetTriage)
			r.Post("/retrieve", a.handleRetrieve)
			r.Get("/knowledge", a.handleListKnowledge)
			r.Post("/knowledge/{collection}", a.handleIngest)
		})
	})
}

// errorBody is the only error shape the API returns. Internal error text
// never reaches the caller.
type errorBody struct {
	Error   errs.Kind `json:"error"`
	AlertID string    `json:"alert_id,omitempty"`
}

// kindNotFound is API-only; nothing in the pipeline produces it.
const kindNotFound errs.Kind = "not_found"

func statusFor(k errs.Kind) int {
	switch k {
	case errs.KindValidation, errs.KindParse:
		return http.StatusBadRequest
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindUnavailable:
		return http.StatusServiceUnavailable
	case kindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, kind errs.Kind, alertID string) {
	writeJSON(w, statusFor(kind), errorBody{Error: kind, AlertID: alertID})
}

// fail logs err with its detail and writes only its kind. A malformed
// alertID is dropped from both.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, alertID, msg string) {
	alertID = alert.SafeID(alertID)
	kind := errs.KindOf(err)
	if kind == errs.KindValidation {
		a.logger.Warn(r.Context(), msg, "alert_id", alertID, "kind", kind, "err", err)
	} else {
		a.logger.Error(r.Context(), err, msg, "alert_id", alertID, "kind", kind)
	}
	writeError(w, kind, alertID)
}
