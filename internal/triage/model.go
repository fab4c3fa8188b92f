package triage

import (
	"time"

	"github.com/linnemanlabs/arbiter/internal/consensus"
	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/retrieval"
	"github.com/linnemanlabs/arbiter/internal/safety"
)

// Status tracks where a triage is in its lifecycle.
type Status string

const (
	// StatusPending means accepted and queued
	StatusPending Status = "pending"

	// StatusInProgress means a worker is running the pipeline
	StatusInProgress Status = "in_progress"

	// StatusComplete means a verdict was produced
	StatusComplete Status = "complete"

	// StatusFailed means neither judge produced a verdict, or the run never started
	StatusFailed Status = "failed"
)

// Done reports whether the status is terminal.
func (s Status) Done() bool {
	return s == StatusComplete || s == StatusFailed
}

// Stage names a pipeline step for latency, errors and spans.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageQueue      Stage = "queue"
	StageSanitize   Stage = "sanitize"
	StageClassifier Stage = "classifier"
	StageRetrieval  Stage = "retrieval"
	StageReasoner   Stage = "reasoner"
	StageConsensus  Stage = "consensus"
)

// Latency is the wall time of each stage in milliseconds. The classifier and
// retrieval+reasoner paths overlap, so Total is less than the sum.
type Latency struct {
	Sanitize   float64 `json:"sanitize_ms"`
	Classifier float64 `json:"classifier_ms"`
	Retrieval  float64 `json:"retrieval_ms"`
	Reasoner   float64 `json:"reasoner_ms"`
	Consensus  float64 `json:"consensus_ms"`
	Total      float64 `json:"total_ms"`
}

// Result is the stored outcome of a triage run. The consensus fields are
// inlined so the JSON shape is flat.
type Result struct {
	ID      string `json:"id"`
	AlertID string `json:"alert_id"`
	Status  Status `json:"status"`

	consensus.Outcome

	Context        []retrieval.Snippet        `json:"retrieved_context,omitempty"`
	Latency        Latency                    `json:"latency"`
	StageErrors    map[Stage]errs.Kind        `json:"stage_errors,omitempty"`
	SanitizerFlags map[string]safety.Category `json:"sanitizer_flags,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	CompletedAt    time.Time                  `json:"completed_at,omitzero"`
}

// Clone returns a copy that shares no maps or slices with r. The nested
// verdicts are treated as immutable and shared.
func (r *Result) Clone() *Result {
	cp := *r
	if r.Context != nil {
		cp.Context = make([]retrieval.Snippet, len(r.Context))
		copy(cp.Context, r.Context)
	}
	if r.StageErrors != nil {
		cp.StageErrors = make(map[Stage]errs.Kind, len(r.StageErrors))
		for k, v := range r.StageErrors {
			cp.StageErrors[k] = v
		}
	}
	if r.SanitizerFlags != nil {
		cp.SanitizerFlags = make(map[string]safety.Category, len(r.SanitizerFlags))
		for k, v := range r.SanitizerFlags {
			cp.SanitizerFlags[k] = v
		}
	}
	return &cp
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
