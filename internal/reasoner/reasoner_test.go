package reasoner

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/arbiter/internal/alert"
	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/retrieval"
)

const (
	primaryModel  = "claude-sonnet-4-20250514"
	fallbackModel = "claude-3-5-haiku-20241022"
)

// scriptedProvider answers per model. A model with block=true waits for the
// call's deadline.
type scriptedProvider struct {
	mu      sync.Mutex
	replies map[string]reply
	calls   []*Request
}

type reply struct {
	text  string
	err   error
	block bool
}

func (s *scriptedProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	r := s.replies[req.Model]
	s.mu.Unlock()

	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &Response{Text: r.text, Model: req.Model, Usage: Usage{InputTokens: 100, OutputTokens: 20}}, nil
}

func (s *scriptedProvider) Ping(context.Context, string) error { return nil }

func (s *scriptedProvider) models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		out = append(out, c.Model)
	}
	return out
}

func testAlert() *alert.Alert {
	return &alert.Alert{ID: "a-1", RuleDescription: "sshd brute force", Level: 10, SourceIP: "203.0.113.42"}
}

func newTestReasoner(p Provider, hooks Hooks) *Reasoner {
	return New(log.Nop(), p, Options{
		Primary:     primaryModel,
		Fallback:    fallbackModel,
		Timeout:     50 * time.Millisecond,
		Temperature: 0.1,
	}, hooks)
}

const (
	confident   = `{"confidence": 0.9, "verdict": "true_positive", "severity": "high"}`
	unconfident = `{"confidence": 0.3, "verdict": "false_positive", "severity": "low"}`
	middling    = `{"confidence": 0.45, "verdict": "true_positive", "severity": "medium"}`
)

func TestAnalyze_PrimarySuccess(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{replies: map[string]reply{primaryModel: {text: confident}}}
	v := newTestReasoner(p, Hooks{}).Analyze(context.Background(), testAlert(), nil)

	if v.Model != primaryModel || v.Fallback {
		t.Errorf("Model = %q Fallback = %v", v.Model, v.Fallback)
	}
	want := []State{StatePending, StatePrimaryInFlight, StateSuccess, StateDone}
	if !reflect.DeepEqual(v.Transitions, want) {
		t.Errorf("Transitions = %v, want %v", v.Transitions, want)
	}
	if got := p.models(); len(got) != 1 {
		t.Errorf("calls = %v, want primary only", got)
	}
	if p.calls[0].Temperature != 0.1 || p.calls[0].MaxTokens != 2048 || p.calls[0].System != SystemPrompt {
		t.Errorf("request = %+v", p.calls[0])
	}
}

func TestAnalyze_Fallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		primary     reply
		fallback    reply
		wantModel   string
		wantVerdict Disposition
		wantConf    float64
		wantReason  string
		wantStates  []State
		wantErrKind errs.Kind
	}{
		{
			name:        "primary timeout",
			primary:     reply{block: true},
			fallback:    reply{text: confident},
			wantModel:   fallbackModel,
			wantVerdict: TruePositive,
			wantConf:    0.9,
			wantReason:  ReasonTimeout,
			wantStates:  []State{StatePending, StatePrimaryInFlight, StateTimedOut, StateFallbackInFlight, StateSuccess, StateDone},
		},
		{
			name:        "primary error",
			primary:     reply{err: errors.New("503 overloaded")},
			fallback:    reply{text: confident},
			wantModel:   fallbackModel,
			wantVerdict: TruePositive,
			wantConf:    0.9,
			wantReason:  ReasonError,
			wantStates:  []State{StatePending, StatePrimaryInFlight, StateFailed, StateFallbackInFlight, StateSuccess, StateDone},
		},
		{
			name:        "primary parse failure",
			primary:     reply{text: "I cannot answer in JSON"},
			fallback:    reply{text: confident},
			wantModel:   fallbackModel,
			wantVerdict: TruePositive,
			wantConf:    0.9,
			wantReason:  ReasonParse,
			wantStates:  []State{StatePending, StatePrimaryInFlight, StateParseFailed, StateFallbackInFlight, StateSuccess, StateDone},
		},
		{
			name:        "low confidence, fallback more confident",
			primary:     reply{text: unconfident},
			fallback:    reply{text: confident},
			wantModel:   fallbackModel,
			wantVerdict: TruePositive,
			wantConf:    0.9,
			wantReason:  ReasonLowConfidence,
			wantStates:  []State{StatePending, StatePrimaryInFlight, StateLowConfidence, StateFallbackInFlight, StateSuccess, StateDone},
		},
		{
			name:        "low confidence, fallback fails",
			primary:     reply{text: unconfident},
			fallback:    reply{err: errors.New("boom")},
			wantModel:   primaryModel,
			wantVerdict: FalsePositive,
			wantConf:    0.3,
			wantReason:  ReasonLowConfidence,
			wantStates:  []State{StatePending, StatePrimaryInFlight, StateLowConfidence, StateFallbackInFlight, StateFailed, StateDone},
		},
		{
			name:        "low confidence, fallback lower",
			primary:     reply{text: middling},
			fallback:    reply{text: unconfident},
			wantModel:   primaryModel,
			wantVerdict: TruePositive,
			wantConf:    0.45,
			wantReason:  ReasonLowConfidence,
			wantStates:  []State{StatePending, StatePrimaryInFlight, StateLowConfidence, StateFallbackInFlight, StateSuccess, StateDone},
		},
		{
			name:        "both fail",
			primary:     reply{block: true},
			fallback:    reply{text: "not json"},
			wantModel:   fallbackModel,
			wantVerdict: NeedsInvestigation,
			wantConf:    0,
			wantReason:  ReasonTimeout,
			wantStates:  []State{StatePending, StatePrimaryInFlight, StateTimedOut, StateFallbackInFlight, StateFailed, StateDone},
			wantErrKind: errs.KindParse,
		},
		{
			name:        "both time out",
			primary:     reply{block: true},
			fallback:    reply{block: true},
			wantModel:   fallbackModel,
			wantVerdict: NeedsInvestigation,
			wantConf:    0,
			wantReason:  ReasonTimeout,
			wantStates:  []State{StatePending, StatePrimaryInFlight, StateTimedOut, StateFallbackInFlight, StateFailed, StateDone},
			wantErrKind: errs.KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var (
				mu      sync.Mutex
				reasons []string
			)
			p := &scriptedProvider{replies: map[string]reply{primaryModel: tt.primary, fallbackModel: tt.fallback}}
			r := newTestReasoner(p, Hooks{OnFallback: func(reason string) {
				mu.Lock()
				reasons = append(reasons, reason)
				mu.Unlock()
			}})

			v := r.Analyze(context.Background(), testAlert(), nil)

			if v.Model != tt.wantModel {
				t.Errorf("Model = %q, want %q", v.Model, tt.wantModel)
			}
			if v.Verdict != tt.wantVerdict || v.Confidence != tt.wantConf {
				t.Errorf("verdict = %q @ %v, want %q @ %v", v.Verdict, v.Confidence, tt.wantVerdict, tt.wantConf)
			}
			if !v.Fallback || v.FallbackReason != tt.wantReason {
				t.Errorf("Fallback = %v reason = %q, want %q", v.Fallback, v.FallbackReason, tt.wantReason)
			}
			if !reflect.DeepEqual(v.Transitions, tt.wantStates) {
				t.Errorf("Transitions = %v, want %v", v.Transitions, tt.wantStates)
			}
			if v.ErrKind != tt.wantErrKind {
				t.Errorf("ErrKind = %q, want %q", v.ErrKind, tt.wantErrKind)
			}
			if got := p.models(); !reflect.DeepEqual(got, []string{primaryModel, fallbackModel}) {
				t.Errorf("calls = %v", got)
			}

			mu.Lock()
			defer mu.Unlock()
			if len(reasons) != 1 || reasons[0] != tt.wantReason {
				t.Errorf("OnFallback reasons = %v", reasons)
			}
		})
	}
}

func TestAnalyze_NoFallbackConfigured(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{replies: map[string]reply{primaryModel: {text: "garbage"}}}
	r := New(log.Nop(), p, Options{Primary: primaryModel, Timeout: 50 * time.Millisecond}, Hooks{})

	v := r.Analyze(context.Background(), testAlert(), nil)
	if v.Verdict != NeedsInvestigation || v.Confidence != 0 || v.ErrKind != errs.KindParse {
		t.Errorf("got %q @ %v kind %q", v.Verdict, v.Confidence, v.ErrKind)
	}
	if v.Fallback {
		t.Error("Fallback should be false with no fallback model")
	}
	if v.Model != primaryModel {
		t.Errorf("Model = %q", v.Model)
	}
}

func TestAnalyze_UsageSummedAndHooks(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes []string
	)
	p := &scriptedProvider{replies: map[string]reply{primaryModel: {text: unconfident}, fallbackModel: {text: confident}}}
	r := newTestReasoner(p, Hooks{OnCall: func(model, outcome string, _ Usage, _ time.Duration) {
		mu.Lock()
		outcomes = append(outcomes, model+":"+outcome)
		mu.Unlock()
	}})

	v := r.Analyze(context.Background(), testAlert(), nil)
	if v.Usage.InputTokens != 200 || v.Usage.OutputTokens != 40 {
		t.Errorf("Usage = %+v, want both calls summed", v.Usage)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{primaryModel + ":low_confidence", fallbackModel + ":success"}
	if !reflect.DeepEqual(outcomes, want) {
		t.Errorf("outcomes = %v, want %v", outcomes, want)
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	al := testAlert()
	al.SourcePort = 51234
	al.Context = map[string]string{"zone": "dmz", "agent": "web-01"}
	al.MitreTechniques = []string{"T1110"}

	p := BuildPrompt(al, []retrieval.Snippet{
		{ID: "T1110", Collection: retrieval.MitreAttack, Text: "Brute Force", Similarity: 0.87},
	})

	for _, want := range []string{
		"alert_id: a-1",
		"rule_level: 10",
		"source: 203.0.113.42:51234",
		"user: N/A",
		"mitre_techniques: T1110",
		"context.agent: web-01",
		"[1] mitre_attack T1110 (similarity 0.87)",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Index(p, "context.agent") > strings.Index(p, "context.zone") {
		t.Error("context keys not sorted")
	}

	if empty := BuildPrompt(al, nil); !strings.Contains(empty, "No relevant reference material") {
		t.Error("empty context not stated")
	}
}

func TestLookupModel(t *testing.T) {
	t.Parallel()

	if _, err := LookupModel(DefaultPrimaryModel); err != nil {
		t.Errorf("default primary: %v", err)
	}
	if _, err := LookupModel(DefaultFallbackModel); err != nil {
		t.Errorf("default fallback: %v", err)
	}
	if _, err := LookupModel("gpt-4"); err == nil {
		t.Error("unknown model accepted")
	}
	if len(SupportedModels()) == 0 {
		t.Error("no supported models")
	}
}
