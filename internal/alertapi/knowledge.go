package alertapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/retrieval"
)

// MaxIngest bounds the documents accepted by one ingest call.
const MaxIngest = 1000

type retrieveRequest struct {
	Query         string   `json:"query"`
	Collections   []string `json:"collections,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	MinSimilarity float64  `json:"min_similarity,omitempty"`
}

type retrieveResponse struct {
	Results []retrieval.Snippet `json:"results"`
}

func (a *API) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	const op = "alertapi.retrieve"

	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, r, errs.E(errs.KindValidation, op, err), "", "invalid retrieve payload")
		return
	}
	if req.TopK == 0 {
		req.TopK = 3
	}

	colls := retrieval.AllCollections
	if len(req.Collections) > 0 {
		colls = make([]retrieval.Collection, 0, len(req.Collections))
		for _, name := range req.Collections {
			c, err := retrieval.ParseCollection(name)
			if err != nil {
				a.fail(w, r, err, "", "invalid collection")
				return
			}
			colls = append(colls, c)
		}
	}

	hits, err := a.kb.Search(r.Context(), req.Query, colls, req.TopK, req.MinSimilarity)
	if err != nil {
		a.fail(w, r, err, "", "retrieve failed")
		return
	}
	if hits == nil {
		hits = []retrieval.Snippet{}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("arbiter.retrieval.results", len(hits)))
	writeJSON(w, http.StatusOK, retrieveResponse{Results: hits})
}

type ingestRequest struct {
	Documents []retrieval.Document `json:"documents"`
}

type ingestResponse struct {
	Collection retrieval.Collection `json:"collection"`
	IDs        []string             `json:"ids"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	const op = "alertapi.ingest"
	name := chi.URLParam(r, "collection")

	c, err := retrieval.ParseCollection(name)
	if err != nil {
		writeError(w, kindNotFound, "")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, r, errs.E(errs.KindValidation, op, err), "", "invalid ingest payload")
		return
	}
	if len(req.Documents) == 0 || len(req.Documents) > MaxIngest {
		a.fail(w, r, errs.Validation(op, "document count %d outside 1..%d", len(req.Documents), MaxIngest), "", "invalid ingest payload")
		return
	}

	ids, err := a.kb.Ingest(r.Context(), string(c), req.Documents)
	if err != nil {
		a.fail(w, r, err, "", "ingest failed")
		return
	}

	a.logger.Info(r.Context(), "knowledge ingested", "collection", c, "documents", len(ids))
	writeJSON(w, http.StatusCreated, ingestResponse{Collection: c, IDs: ids})
}

type knowledgeResponse struct {
	Collections []retrieval.CollectionInfo `json:"collections"`
}

func (a *API) handleListKnowledge(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, knowledgeResponse{Collections: a.kb.Collections()})
}
