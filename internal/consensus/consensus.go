// Package consensus merges the classifier and reasoner verdicts into one
// triage outcome. The merged confidence never exceeds the larger of the two
// input confidences.
package consensus

import (
	"github.com/linnemanlabs/arbiter/internal/classifier"
	"github.com/linnemanlabs/arbiter/internal/reasoner"
)

// Label describes how the two verdicts were combined.
type Label string

const (
	LabelAgreement      Label = "agreement"
	LabelClassifierOnly Label = "classifier-only"
	LabelReasonerOnly   Label = "reasoner-only"
	LabelEscalated      Label = "disagreement-escalated"
	LabelUnavailable    Label = "unavailable"
)

// DefaultFloor is the confidence below which a judge is not trusted on its own.
const DefaultFloor = 0.5

// Outcome is the merged verdict.
type Outcome struct {
	Severity   reasoner.Severity    `json:"severity"`
	Verdict    reasoner.Disposition `json:"verdict"`
	Confidence float64              `json:"confidence"`
	Label      Label                `json:"consensus"`
	Classifier *classifier.Verdict  `json:"classifier,omitempty"`
	Reasoner   *reasoner.Verdict    `json:"reasoner,omitempty"`
}

// Engine applies the merge policy with a fixed floor.
type Engine struct {
	floor float64
}

// New returns an Engine. A non-positive floor selects DefaultFloor.
func New(floor float64) *Engine {
	if floor <= 0 {
		floor = DefaultFloor
	}
	return &Engine{floor: floor}
}

// Floor returns the configured confidence floor.
func (e *Engine) Floor() float64 { return e.floor }

// Merge combines cv and rv. Either may be nil when its path failed.
//
// Rules, first match wins:
//  0. a missing side defers to the other; both missing is unavailable
//  1. matching calls: that call at the higher confidence (agreement)
//  2. reasoner below the floor or undecided: the classifier's call
//  3. classifier below the floor: the reasoner's call
//  4. otherwise needs-investigation at the lower confidence (escalated)
func (e *Engine) Merge(cv *classifier.Verdict, rv *reasoner.Verdict) Outcome {
	out := Outcome{Classifier: cv, Reasoner: rv}

	switch {
	case cv == nil && rv == nil:
		out.Verdict = reasoner.NeedsInvestigation
		out.Severity = reasoner.SeverityMedium
		out.Label = LabelUnavailable
		return out

	case cv == nil:
		return e.reasonerOnly(out, rv)

	case rv == nil:
		return e.classifierOnly(out, cv)
	}

	cvCall := fromLabel(cv.Label)

	switch {
	case rv.Verdict == cvCall:
		out.Verdict = cvCall
		out.Confidence = max(cv.Confidence, rv.Confidence)
		out.Severity = rv.Severity
		out.Label = LabelAgreement

	case rv.Confidence < e.floor || rv.Verdict == reasoner.NeedsInvestigation:
		return e.classifierOnly(out, cv)

	case cv.Confidence < e.floor:
		return e.reasonerOnly(out, rv)

	default:
		out.Verdict = reasoner.NeedsInvestigation
		out.Confidence = min(cv.Confidence, rv.Confidence)
		out.Severity = atLeast(rv.Severity, reasoner.SeverityMedium)
		out.Label = LabelEscalated
	}
	return out
}

func (e *Engine) classifierOnly(out Outcome, cv *classifier.Verdict) Outcome {
	out.Verdict = fromLabel(cv.Label)
	out.Confidence = cv.Confidence
	out.Severity = reasoner.SeverityLow
	if cv.Label == classifier.LabelAttack {
		out.Severity = reasoner.SeverityHigh
	}
	out.Label = LabelClassifierOnly
	return out
}

func (e *Engine) reasonerOnly(out Outcome, rv *reasoner.Verdict) Outcome {
	out.Verdict = rv.Verdict
	out.Confidence = rv.Confidence
	out.Severity = rv.Severity
	if rv.Verdict == reasoner.NeedsInvestigation {
		out.Severity = atLeast(rv.Severity, reasoner.SeverityMedium)
	}
	out.Label = LabelReasonerOnly
	return out
}

func fromLabel(l classifier.Label) reasoner.Disposition {
	if l == classifier.LabelAttack {
		return reasoner.TruePositive
	}
	return reasoner.FalsePositive
}

func atLeast(s, floor reasoner.Severity) reasoner.Severity {
	if s.Rank() < floor.Rank() {
		return floor
	}
	return s
}
