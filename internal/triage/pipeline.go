package triage

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/arbiter/internal/alert"
	"github.com/linnemanlabs/arbiter/internal/classifier"
	"github.com/linnemanlabs/arbiter/internal/consensus"
	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/reasoner"
	"github.com/linnemanlabs/arbiter/internal/retrieval"
	"github.com/linnemanlabs/arbiter/internal/safety"
)

const tracerName = "github.com/linnemanlabs/arbiter/internal/triage"

// Classifier scores one feature vector (typically a batch.Aggregator).
type Classifier interface {
	Classify(ctx context.Context, vec []float64) (classifier.Verdict, error)
}

// Retriever finds reference material for an alert.
type Retriever interface {
	Search(ctx context.Context, query string, collections []retrieval.Collection, topK int, minSimilarity float64) ([]retrieval.Snippet, error)
}

// Reasoner produces an LLM verdict. It never fails; degradation is carried
// on the verdict's ErrKind.
type Reasoner interface {
	Analyze(ctx context.Context, al *alert.Alert, snippets []retrieval.Snippet) reasoner.Verdict
}

// Sanitizer returns a cleaned copy of an alert plus the fields it flagged.
type Sanitizer interface {
	SanitizeAlert(ctx context.Context, al *alert.Alert) (*alert.Alert, []safety.Finding)
}

// PipelineDeps are the components a Pipeline joins. Retriever may be nil.
type PipelineDeps struct {
	Sanitizer  Sanitizer
	Classifier Classifier
	Retriever  Retriever
	Reasoner   Reasoner
	Consensus  *consensus.Engine
}

// PipelineOptions bound the external calls of a run. Zero values select defaults.
type PipelineOptions struct {
	ClassifierTimeout time.Duration
	RetrievalTimeout  time.Duration
	TopK              int
	MinSimilarity     float64
	Collections       []retrieval.Collection
}

// PipelineHooks are optional callbacks for observability.
type PipelineHooks struct {
	OnStage    func(stage Stage, elapsed time.Duration, kind errs.Kind)
	OnComplete func(r *Result)
}

// Pipeline runs one alert through sanitize, the two judging paths and
// consensus. It holds no per-alert state and is safe for concurrent use.
type Pipeline struct {
	deps   PipelineDeps
	opts   PipelineOptions
	hooks  PipelineHooks
	logger log.Logger
}

// NewPipeline returns a Pipeline.
func NewPipeline(logger log.Logger, deps PipelineDeps, opts PipelineOptions, hooks PipelineHooks) *Pipeline {
	if deps.Sanitizer == nil || deps.Classifier == nil || deps.Reasoner == nil {
		panic(xerrors.New("triage.NewPipeline: sanitizer, classifier and reasoner are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if deps.Consensus == nil {
		deps.Consensus = consensus.New(consensus.DefaultFloor)
	}
	if opts.ClassifierTimeout <= 0 {
		opts.ClassifierTimeout = 500 * time.Millisecond
	}
	if opts.RetrievalTimeout <= 0 {
		opts.RetrievalTimeout = 2 * time.Second
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if len(opts.Collections) == 0 {
		opts.Collections = retrieval.AllCollections
	}
	return &Pipeline{deps: deps, opts: opts, hooks: hooks, logger: logger.With("component", "pipeline")}
}

// Run triages al. The only error is a Validation error for a malformed
// alert; every other failure degrades the Result instead. al is never
// modified. The returned Result has no ID or CreatedAt; the caller owns
// those.
func (p *Pipeline) Run(ctx context.Context, al *alert.Alert) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.pipeline",
		trace.WithAttributes(attribute.String("arbiter.alert.id", al.ID)))
	defer span.End()

	if err := al.Validate(); err != nil {
		span.SetStatus(codes.Error, string(errs.KindValidation))
		return nil, err
	}

	start := time.Now()
	r := &Result{AlertID: al.ID}

	clean, findings, d := p.sanitize(ctx, al)
	r.Latency.Sanitize = ms(d)
	if len(findings) > 0 {
		r.SanitizerFlags = make(map[string]safety.Category, len(findings))
		for _, f := range findings {
			r.SanitizerFlags[f.Field] = f.Category
		}
	}

	// The two judges run concurrently; each goroutine owns its own results
	// until Wait returns.
	var (
		wg sync.WaitGroup

		cv       *classifier.Verdict
		cvKind   errs.Kind
		cvDur    time.Duration
		snippets []retrieval.Snippet
		rtKind   errs.Kind
		rtDur    time.Duration
		rv       *reasoner.Verdict
		degraded *reasoner.Verdict
		rvDur    time.Duration
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		cv, cvKind, cvDur = p.classify(ctx, clean)
	}()
	go func() {
		defer wg.Done()
		snippets, rtKind, rtDur = p.retrieve(ctx, clean)
		rv, degraded, rvDur = p.reason(ctx, clean, snippets)
	}()
	wg.Wait()

	r.Latency.Classifier = ms(cvDur)
	r.Latency.Retrieval = ms(rtDur)
	r.Latency.Reasoner = ms(rvDur)
	r.Context = snippets
	r.addStageError(StageClassifier, cvKind)
	r.addStageError(StageRetrieval, rtKind)
	if degraded != nil {
		r.addStageError(StageReasoner, degraded.ErrKind)
	}

	out, d := p.merge(ctx, cv, rv)
	r.Latency.Consensus = ms(d)
	r.Outcome = out
	if rv == nil && degraded != nil {
		// Merge treated the reasoner as absent; keep its trace for the record.
		r.Reasoner = degraded
	}

	r.Status = StatusComplete
	if out.Label == consensus.LabelUnavailable {
		r.Status = StatusFailed
	}
	r.CompletedAt = time.Now()
	r.Latency.Total = ms(r.CompletedAt.Sub(start))

	span.SetAttributes(
		attribute.String("arbiter.verdict", string(out.Verdict)),
		attribute.String("arbiter.consensus", string(out.Label)),
		attribute.Float64("arbiter.confidence", out.Confidence),
	)
	if r.Status == StatusFailed {
		span.SetStatus(codes.Error, string(consensus.LabelUnavailable))
	}

	if p.hooks.OnComplete != nil {
		p.hooks.OnComplete(r)
	}
	return r, nil
}

func (r *Result) addStageError(s Stage, k errs.Kind) {
	if k == errs.KindNone {
		return
	}
	if r.StageErrors == nil {
		r.StageErrors = make(map[Stage]errs.Kind)
	}
	r.StageErrors[s] = k
}

func (p *Pipeline) stage(s Stage, start time.Time, kind errs.Kind) time.Duration {
	d := time.Since(start)
	if p.hooks.OnStage != nil {
		p.hooks.OnStage(s, d, kind)
	}
	return d
}

func (p *Pipeline) sanitize(ctx context.Context, al *alert.Alert) (*alert.Alert, []safety.Finding, time.Duration) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.sanitize")
	defer span.End()

	start := time.Now()
	clean, findings := p.deps.Sanitizer.SanitizeAlert(ctx, al)
	span.SetAttributes(attribute.Int("arbiter.sanitizer.flags", len(findings)))
	return clean, findings, p.stage(StageSanitize, start, errs.KindNone)
}

func (p *Pipeline) classify(ctx context.Context, al *alert.Alert) (*classifier.Verdict, errs.Kind, time.Duration) {
	if !al.HasFeatures() {
		return nil, errs.KindNone, 0
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.classify")
	defer span.End()

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, p.opts.ClassifierTimeout)
	defer cancel()

	v, err := p.deps.Classifier.Classify(cctx, al.Features)
	if err != nil {
		kind := errs.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		p.logger.Warn(ctx, "classifier path degraded", "alert_id", al.ID, "kind", kind)
		return nil, kind, p.stage(StageClassifier, start, kind)
	}

	span.SetAttributes(
		attribute.String("arbiter.classifier.label", string(v.Label)),
		attribute.Float64("arbiter.classifier.confidence", v.Confidence),
	)
	return &v, errs.KindNone, p.stage(StageClassifier, start, errs.KindNone)
}

func (p *Pipeline) retrieve(ctx context.Context, al *alert.Alert) ([]retrieval.Snippet, errs.Kind, time.Duration) {
	if p.deps.Retriever == nil {
		return nil, errs.KindNone, 0
	}
	query := retrievalQuery(al)
	if query == "" {
		return nil, errs.KindNone, 0
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.retrieve")
	defer span.End()

	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, p.opts.RetrievalTimeout)
	defer cancel()

	snippets, err := p.deps.Retriever.Search(rctx, query, p.opts.Collections, p.opts.TopK, p.opts.MinSimilarity)
	if err != nil {
		kind := errs.KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		p.logger.Warn(ctx, "retrieval degraded, reasoning without context", "alert_id", al.ID, "kind", kind)
		return nil, kind, p.stage(StageRetrieval, start, kind)
	}

	span.SetAttributes(attribute.Int("arbiter.retrieval.results", len(snippets)))
	return snippets, errs.KindNone, p.stage(StageRetrieval, start, errs.KindNone)
}

// reason returns the verdict for Merge, or nil plus the degraded verdict
// when the reasoner could not produce one.
func (p *Pipeline) reason(ctx context.Context, al *alert.Alert, snippets []retrieval.Snippet) (*reasoner.Verdict, *reasoner.Verdict, time.Duration) {
	start := time.Now()
	v := p.deps.Reasoner.Analyze(ctx, al, snippets)
	d := p.stage(StageReasoner, start, v.ErrKind)
	if v.ErrKind != errs.KindNone {
		return nil, &v, d
	}
	return &v, nil, d
}

func (p *Pipeline) merge(ctx context.Context, cv *classifier.Verdict, rv *reasoner.Verdict) (consensus.Outcome, time.Duration) {
	_, span := otel.Tracer(tracerName).Start(ctx, "triage.consensus")
	defer span.End()

	start := time.Now()
	out := p.deps.Consensus.Merge(cv, rv)
	span.SetAttributes(attribute.String("arbiter.consensus", string(out.Label)))
	return out, p.stage(StageConsensus, start, errs.KindNone)
}

// retrievalQuery builds the search text from the fields that describe what
// happened, not who it happened to.
func retrievalQuery(al *alert.Alert) string {
	parts := make([]string, 0, 4+len(al.MitreTechniques))
	for _, s := range []string{al.RuleDescription, al.Process, al.Command} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	parts = append(parts, al.MitreTechniques...)
	return strings.Join(parts, " ")
}
