// Package retrieval ranks knowledge-base snippets by cosine similarity to a
// query embedding. Collections are held in memory and searched exhaustively,
// which keeps results exact and reproducible for a given corpus.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/arbiter/internal/errs"
)

// Collection names a knowledge base.
type Collection string

const (
	MitreAttack      Collection = "mitre_attack"
	CVEDatabase      Collection = "cve_database"
	IncidentHistory  Collection = "incident_history"
	SecurityRunbooks Collection = "security_runbooks"
)

// AllCollections is the closed set of known collections.
var AllCollections = []Collection{MitreAttack, CVEDatabase, IncidentHistory, SecurityRunbooks}

// MaxTopK bounds how many snippets a single query may return.
const MaxTopK = 10

// ErrCollectionNotFound is returned for unknown collection names.
var ErrCollectionNotFound = &errs.Error{
	Kind: errs.KindValidation,
	Op:   "retrieval",
	Err:  errors.New("collection not found"),
}

// ParseCollection validates a collection name.
func ParseCollection(s string) (Collection, error) {
	c := Collection(s)
	if !slices.Contains(AllCollections, c) {
		return "", fmt.Errorf("%w: %q", ErrCollectionNotFound, s)
	}
	return c, nil
}

// Document is an ingestable knowledge entry.
type Document struct {
	ID       string            `json:"id,omitempty"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Snippet is a ranked search hit.
type Snippet struct {
	ID         string            `json:"id"`
	Collection Collection        `json:"collection"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Similarity float64           `json:"similarity"`
}

// CollectionInfo reports the size of a collection.
type CollectionInfo struct {
	Name      Collection `json:"name"`
	Documents int        `json:"documents"`
}

// Hooks are optional callbacks for observability.
type Hooks struct {
	OnQuery func(c Collection, results int, cacheHit bool, elapsed time.Duration)
}

type entry struct {
	doc Document
	vec []float64
}

// Engine holds collections and searches them.
type Engine struct {
	embedder Embedder
	cache    *lru.Cache[string, []float64]
	logger   log.Logger
	hooks    Hooks

	mu    sync.RWMutex
	colls map[Collection]map[string]entry
}

// New returns an Engine. cacheSize bounds the query-embedding cache.
func New(logger log.Logger, embedder Embedder, cacheSize int, hooks Hooks) *Engine {
	if embedder == nil {
		panic(xerrors.New("retrieval.New: nil embedder"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, []float64](cacheSize)
	if err != nil {
		panic(err)
	}

	colls := make(map[Collection]map[string]entry, len(AllCollections))
	for _, c := range AllCollections {
		colls[c] = make(map[string]entry)
	}
	return &Engine{
		embedder: embedder,
		cache:    cache,
		logger:   logger.With("component", "retrieval"),
		hooks:    hooks,
		colls:    colls,
	}
}

// Embedder returns the engine's embedder name.
func (e *Engine) Embedder() string { return e.embedder.Name() }

// Retrieve returns up to topK snippets from collection whose similarity to
// query is at least minSimilarity, most similar first with ties broken by id.
// An empty result is not an error.
func (e *Engine) Retrieve(ctx context.Context, query, collection string, topK int, minSimilarity float64) ([]Snippet, error) {
	c, err := ParseCollection(collection)
	if err != nil {
		return nil, err
	}
	return e.Search(ctx, query, []Collection{c}, topK, minSimilarity)
}

// Search ranks across several collections and merges into a single top-k list.
func (e *Engine) Search(ctx context.Context, query string, collections []Collection, topK int, minSimilarity float64) ([]Snippet, error) {
	const op = "retrieval.search"

	if query == "" {
		return nil, errs.Validation(op, "query is required")
	}
	if topK < 1 || topK > MaxTopK {
		return nil, errs.Validation(op, "top_k %d out of range 1..%d", topK, MaxTopK)
	}
	if minSimilarity < 0 || minSimilarity > 1 {
		return nil, errs.Validation(op, "min_similarity %v out of range 0..1", minSimilarity)
	}
	for _, c := range collections {
		if !slices.Contains(AllCollections, c) {
			return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, c)
		}
	}

	start := time.Now()
	qv, hit, err := e.queryVector(ctx, query)
	if err != nil {
		return nil, err
	}

	var hits []Snippet
	e.mu.RLock()
	for _, c := range collections {
		for id, en := range e.colls[c] {
			sim := cosine(qv, en.vec)
			if sim < minSimilarity {
				continue
			}
			hits = append(hits, Snippet{
				ID:         id,
				Collection: c,
				Text:       en.doc.Text,
				Metadata:   maps.Clone(en.doc.Metadata),
				Similarity: sim,
			})
		}
	}
	e.mu.RUnlock()

	slices.SortFunc(hits, func(a, b Snippet) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Collection, b.Collection); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	if e.hooks.OnQuery != nil {
		for _, c := range collections {
			n := 0
			for _, h := range hits {
				if h.Collection == c {
					n++
				}
			}
			e.hooks.OnQuery(c, n, hit, time.Since(start))
		}
	}
	return hits, nil
}

func (e *Engine) queryVector(ctx context.Context, query string) ([]float64, bool, error) {
	if v, ok := e.cache.Get(query); ok {
		return v, true, nil
	}
	v, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, false, errs.FromContext(ctx, "retrieval.embed", err, errs.KindUnavailable)
	}
	e.cache.Add(query, v)
	return v, false, nil
}

// Ingest embeds docs and upserts them into collection. Documents without an
// id are assigned a ULID. It returns the stored ids in input order.
func (e *Engine) Ingest(ctx context.Context, collection string, docs []Document) ([]string, error) {
	const op = "retrieval.ingest"

	c, err := ParseCollection(collection)
	if err != nil {
		return nil, err
	}
	for i, d := range docs {
		if d.Text == "" {
			return nil, errs.Validation(op, "document %d has no text", i)
		}
	}

	ids := make([]string, len(docs))
	entries := make([]entry, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			d.ID = ulid.Make().String()
		}
		d.Metadata = maps.Clone(d.Metadata)
		vec, err := e.embedder.Embed(ctx, d.Text)
		if err != nil {
			return nil, errs.FromContext(ctx, op, err, errs.KindUnavailable)
		}
		ids[i] = d.ID
		entries[i] = entry{doc: d, vec: vec}
	}

	e.mu.Lock()
	for _, en := range entries {
		e.colls[c][en.doc.ID] = en
	}
	e.mu.Unlock()

	return ids, nil
}

// Collections reports every collection and its document count.
func (e *Engine) Collections() []CollectionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]CollectionInfo, 0, len(AllCollections))
	for _, c := range AllCollections {
		out = append(out, CollectionInfo{Name: c, Documents: len(e.colls[c])})
	}
	return out
}

// Ping checks that the embedder is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.embedder.Embed(ctx, "ping")
	return err
}
