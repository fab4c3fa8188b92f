// Package reasoner asks an LLM for a triage verdict, falling back to a
// secondary model when the primary times out, errors, returns unparsable
// output, or is not confident enough.
//
// Each Analyze call runs an explicit state machine:
//
//	pending -> primary_in_flight -> {success | timed_out | low_confidence | failed | parse_failed}
//	        -> fallback_in_flight -> {success | failed} -> done
//
// The visited states are recorded on the returned Verdict.
package reasoner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/arbiter/internal/alert"
	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/retrieval"
)

var tracer = otel.Tracer("github.com/linnemanlabs/arbiter/internal/reasoner")

// Severity is the reasoner's severity call.
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityHigh          Severity = "high"
	SeverityMedium        Severity = "medium"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
)

// Rank orders severities from informational (0) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Disposition is the true/false-positive call.
type Disposition string

const (
	TruePositive       Disposition = "true-positive"
	FalsePositive      Disposition = "false-positive"
	NeedsInvestigation Disposition = "needs-investigation"
)

// State is a reasoner state-machine state.
type State string

const (
	StatePending          State = "pending"
	StatePrimaryInFlight  State = "primary_in_flight"
	StateSuccess          State = "success"
	StateTimedOut         State = "timed_out"
	StateLowConfidence    State = "low_confidence"
	StateFailed           State = "failed"
	StateParseFailed      State = "parse_failed"
	StateFallbackInFlight State = "fallback_in_flight"
	StateDone             State = "done"
)

// Fallback reasons, one per primary failure state.
const (
	ReasonTimeout       = "timeout"
	ReasonError         = "error"
	ReasonLowConfidence = "low_confidence"
	ReasonParse         = "parse"
)

// Indicator is an extracted indicator of compromise.
type Indicator struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Action is a recommended response step. Priority 1 is most urgent.
type Action struct {
	Action    string `json:"action"`
	Priority  int    `json:"priority"`
	Rationale string `json:"rationale,omitempty"`
}

// Usage is the token spend across every call made for one verdict.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Verdict is the reasoner's output for one alert. It is built fresh per call.
type Verdict struct {
	Severity              Severity      `json:"severity"`
	Verdict               Disposition   `json:"verdict"`
	IsTruePositive        bool          `json:"is_true_positive"`
	Confidence            float64       `json:"confidence"`
	Category              string        `json:"category,omitempty"`
	Summary               string        `json:"summary,omitempty"`
	Reasoning             string        `json:"reasoning,omitempty"`
	Impact                string        `json:"potential_impact,omitempty"`
	FalsePositiveReason   string        `json:"false_positive_reason,omitempty"`
	Indicators            []Indicator   `json:"indicators,omitempty"`
	Actions               []Action      `json:"actions,omitempty"`
	MitreTechniques       []string      `json:"mitre_techniques,omitempty"`
	MitreTactics          []string      `json:"mitre_tactics,omitempty"`
	InvestigationPriority int           `json:"investigation_priority,omitempty"`
	Model                 string        `json:"model_used"`
	Fallback              bool          `json:"fallback_invoked"`
	FallbackReason        string        `json:"fallback_reason,omitempty"`
	Transitions           []State       `json:"transitions"`
	Elapsed               time.Duration `json:"elapsed_ns"`
	Usage                 Usage         `json:"usage"`
	ErrKind               errs.Kind     `json:"error_kind,omitempty"`
}

// Request is a single completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is the provider's reply.
type Response struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
}

// Provider is an LLM backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Ping(ctx context.Context, model string) error
}

// Options configures a Reasoner. Zero values select defaults.
type Options struct {
	Primary         string
	Fallback        string
	Timeout         time.Duration
	Temperature     float64
	MaxTokens       int
	ConfidenceFloor float64
}

// Hooks are optional callbacks for observability.
type Hooks struct {
	OnCall     func(model, outcome string, usage Usage, elapsed time.Duration)
	OnFallback func(reason string)
}

// Reasoner runs the primary/fallback state machine against a Provider.
type Reasoner struct {
	provider Provider
	opts     Options
	logger   log.Logger
	hooks    Hooks
}

// New returns a Reasoner.
func New(logger log.Logger, provider Provider, opts Options, hooks Hooks) *Reasoner {
	if provider == nil {
		panic(xerrors.New("reasoner.New: nil provider"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Primary == "" {
		opts.Primary = DefaultPrimaryModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	if opts.ConfidenceFloor <= 0 {
		opts.ConfidenceFloor = 0.5
	}
	return &Reasoner{
		provider: provider,
		opts:     opts,
		logger:   logger.With("component", "reasoner"),
		hooks:    hooks,
	}
}

// Models returns the configured primary and fallback model ids.
func (r *Reasoner) Models() (primary, fallback string) {
	return r.opts.Primary, r.opts.Fallback
}

// Ping checks that the primary model is reachable.
func (r *Reasoner) Ping(ctx context.Context) error {
	return r.provider.Ping(ctx, r.opts.Primary)
}

type attempt struct {
	verdict Verdict
	state   State
	err     error
}

// Analyze produces a verdict for an already-sanitized alert. It never
// returns an error: every failure path ends in a well-formed Verdict.
func (r *Reasoner) Analyze(ctx context.Context, al *alert.Alert, snippets []retrieval.Snippet) Verdict {
	ctx, span := tracer.Start(ctx, "reasoner.analyze",
		trace.WithAttributes(attribute.String("arbiter.alert.id", al.ID)))
	defer span.End()

	start := time.Now()
	states := []State{StatePending}
	prompt := BuildPrompt(al, snippets)

	states = append(states, StatePrimaryInFlight)
	primary := r.call(ctx, r.opts.Primary, prompt)
	states = append(states, primary.state)
	usage := primary.verdict.Usage

	var out Verdict
	switch {
	case primary.state == StateSuccess:
		out = primary.verdict

	case r.opts.Fallback == "":
		out = r.unresolved(primary, r.opts.Primary)

	default:
		reason := fallbackReason(primary.state)
		if r.hooks.OnFallback != nil {
			r.hooks.OnFallback(reason)
		}
		r.logger.Warn(ctx, "primary model degraded, invoking fallback",
			"alert_id", al.ID, "model", r.opts.Primary, "reason", reason)

		states = append(states, StateFallbackInFlight)
		fb := r.call(ctx, r.opts.Fallback, prompt)
		usage.InputTokens += fb.verdict.Usage.InputTokens
		usage.OutputTokens += fb.verdict.Usage.OutputTokens

		fbOK := fb.err == nil
		if fbOK {
			states = append(states, StateSuccess)
		} else {
			states = append(states, StateFailed)
		}

		switch {
		case primary.state == StateLowConfidence && (!fbOK || fb.verdict.Confidence < primary.verdict.Confidence):
			out = primary.verdict
		case fbOK:
			out = fb.verdict
		default:
			out = r.unresolved(fb, r.opts.Fallback)
		}
		out.Fallback = true
		out.FallbackReason = reason
	}

	states = append(states, StateDone)
	out.Transitions = states
	out.Usage = usage
	out.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.String("arbiter.reasoner.model", out.Model),
		attribute.Bool("arbiter.reasoner.fallback", out.Fallback),
		attribute.String("arbiter.reasoner.verdict", string(out.Verdict)),
	)
	return out
}

// call runs one model attempt under its own deadline and classifies the
// outcome into a state.
func (r *Reasoner) call(ctx context.Context, model, prompt string) attempt {
	const op = "reasoner.call"

	ctx, span := tracer.Start(ctx, "reasoner.call", trace.WithAttributes(attribute.String("arbiter.llm.model", model)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := r.provider.Complete(cctx, &Request{
		Model:       model,
		System:      SystemPrompt,
		Prompt:      prompt,
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
	})
	elapsed := time.Since(start)

	var a attempt
	if err != nil {
		a.err = errs.FromContext(cctx, op, err, errs.KindUnavailable)
		a.state = StateFailed
		if errs.Is(a.err, errs.KindTimeout) {
			a.state = StateTimedOut
		}
		span.RecordError(err)
	} else {
		a.verdict, a.err = Parse(resp.Text)
		a.verdict.Usage = resp.Usage
		a.verdict.Model = model
		switch {
		case a.err != nil:
			a.state = StateParseFailed
		case a.verdict.Confidence < r.opts.ConfidenceFloor:
			a.state = StateLowConfidence
		default:
			a.state = StateSuccess
		}
	}

	if r.hooks.OnCall != nil {
		r.hooks.OnCall(model, string(a.state), a.verdict.Usage, elapsed)
	}
	span.SetAttributes(attribute.String("arbiter.llm.outcome", string(a.state)))
	return a
}

// unresolved is the verdict when no model produced a usable answer. A
// low-confidence primary is still a parsed answer and is kept as is.
func (r *Reasoner) unresolved(a attempt, model string) Verdict {
	if a.state == StateLowConfidence {
		return a.verdict
	}
	return Verdict{
		Severity: SeverityMedium,
		Verdict:  NeedsInvestigation,
		Summary:  "automated analysis unavailable; route to an analyst",
		Model:    model,
		ErrKind:  errs.KindOf(a.err),
		Usage:    a.verdict.Usage,
	}
}

func fallbackReason(s State) string {
	switch s {
	case StateTimedOut:
		return ReasonTimeout
	case StateLowConfidence:
		return ReasonLowConfidence
	case StateParseFailed:
		return ReasonParse
	}
	return ReasonError
}
