package triage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/arbiter/internal/batch"
	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/reasoner"
	"github.com/linnemanlabs/arbiter/internal/retrieval"
	"github.com/linnemanlabs/arbiter/internal/safety"
)

// Metrics holds Prometheus metrics for the triage pipeline and the
// components it drives.
type Metrics struct {
	TriagesTotal     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageErrorsTotal *prometheus.CounterVec
	VerdictsTotal    *prometheus.CounterVec
	Confidence       *prometheus.HistogramVec
	FallbacksTotal   *prometheus.CounterVec
	BatchSize        *prometheus.HistogramVec
	BatchDuration    prometheus.Histogram
	SanitizerFlags   *prometheus.CounterVec
	RetrievalQueries *prometheus.CounterVec
	RetrievalResults prometheus.Histogram
	LLMCallsTotal    *prometheus.CounterVec
	LLMTokensIn      *prometheus.CounterVec
	LLMTokensOut     *prometheus.CounterVec
	LLMDuration      *prometheus.HistogramVec
	SubmitsTotal     *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TriagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_triages_total",
			Help: "Total triage runs by final status.",
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms .. ~16s
		}, []string{"stage"}),
		StageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_stage_errors_total",
			Help: "Degraded pipeline stages by stage and error kind.",
		}, []string{"stage", "kind"}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_verdicts_total",
			Help: "Final verdicts by verdict and consensus label.",
		}, []string{"verdict", "consensus"}),
		Confidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_confidence",
			Help:    "Confidence distribution by source (classifier, reasoner, final).",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10), // 0.1 .. 1.0
		}, []string{"source"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_reasoner_fallbacks_total",
			Help: "Fallback model activations by reason.",
		}, []string{"reason"}),
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_classifier_batch_size",
			Help:    "Vectors per classifier batch by flush trigger.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 .. 128
		}, []string{"trigger"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_classifier_batch_duration_seconds",
			Help:    "Classification time per batch in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms .. ~200ms
		}),
		SanitizerFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_sanitizer_flags_total",
			Help: "Alert fields replaced by the safety filter, by attack category.",
		}, []string{"category"}),
		RetrievalQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_retrieval_queries_total",
			Help: "Retrieval queries by collection and embedding cache outcome.",
		}, []string{"collection", "cache"}),
		RetrievalResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_retrieval_results",
			Help:    "Snippets returned per collection query.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_llm_calls_total",
			Help: "LLM calls by model and outcome state.",
		}, []string{"model", "outcome"}),
		LLMTokensIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_llm_tokens_input_total",
			Help: "LLM input tokens consumed by model.",
		}, []string{"model"}),
		LLMTokensOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_llm_tokens_output_total",
			Help: "LLM output tokens consumed by model.",
		}, []string{"model"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"model"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_submits_total",
			Help: "Total alert submissions by result.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_queue_depth",
			Help: "Alerts waiting for a triage worker.",
		}),
	}

	reg.MustRegister(
		m.TriagesTotal,
		m.StageDuration,
		m.StageErrorsTotal,
		m.VerdictsTotal,
		m.Confidence,
		m.FallbacksTotal,
		m.BatchSize,
		m.BatchDuration,
		m.SanitizerFlags,
		m.RetrievalQueries,
		m.RetrievalResults,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.SubmitsTotal,
		m.QueueDepth,
	)

	return m
}

// Hooks returns PipelineHooks that record stage timings and outcomes.
func (m *Metrics) Hooks() PipelineHooks {
	return PipelineHooks{
		OnStage: func(stage Stage, elapsed time.Duration, kind errs.Kind) {
			m.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
			if kind != errs.KindNone {
				m.StageErrorsTotal.WithLabelValues(string(stage), string(kind)).Inc()
			}
		},
		OnComplete: func(r *Result) {
			m.VerdictsTotal.WithLabelValues(string(r.Verdict), string(r.Label)).Inc()
			m.Confidence.WithLabelValues("final").Observe(r.Confidence)
			if r.Classifier != nil {
				m.Confidence.WithLabelValues("classifier").Observe(r.Classifier.Confidence)
			}
			if r.Reasoner != nil && r.Reasoner.ErrKind == errs.KindNone {
				m.Confidence.WithLabelValues("reasoner").Observe(r.Reasoner.Confidence)
			}
			m.StageDuration.WithLabelValues("total").Observe(r.Latency.Total / 1000)
		},
	}
}

// BatchHooks returns aggregator hooks recording batch sizes.
func (m *Metrics) BatchHooks() batch.Hooks {
	return batch.Hooks{
		OnFlush: func(size int, trigger string, elapsed time.Duration) {
			m.BatchSize.WithLabelValues(trigger).Observe(float64(size))
			m.BatchDuration.Observe(elapsed.Seconds())
		},
	}
}

// SafetyHooks returns safety filter hooks counting flagged fields.
func (m *Metrics) SafetyHooks() safety.Hooks {
	return safety.Hooks{
		OnFlag: func(_ string, c safety.Category) {
			m.SanitizerFlags.WithLabelValues(string(c)).Inc()
		},
	}
}

// RetrievalHooks returns retrieval engine hooks counting queries.
func (m *Metrics) RetrievalHooks() retrieval.Hooks {
	return retrieval.Hooks{
		OnQuery: func(c retrieval.Collection, results int, cacheHit bool, _ time.Duration) {
			cache := "miss"
			if cacheHit {
				cache = "hit"
			}
			m.RetrievalQueries.WithLabelValues(string(c), cache).Inc()
			m.RetrievalResults.Observe(float64(results))
		},
	}
}

// ReasonerHooks returns reasoner hooks recording LLM calls and fallbacks.
func (m *Metrics) ReasonerHooks() reasoner.Hooks {
	return reasoner.Hooks{
		OnCall: func(model, outcome string, usage reasoner.Usage, elapsed time.Duration) {
			m.LLMCallsTotal.WithLabelValues(model, outcome).Inc()
			m.LLMTokensIn.WithLabelValues(model).Add(float64(usage.InputTokens))
			m.LLMTokensOut.WithLabelValues(model).Add(float64(usage.OutputTokens))
			m.LLMDuration.WithLabelValues(model).Observe(elapsed.Seconds())
		},
		OnFallback: func(reason string) {
			m.FallbacksTotal.WithLabelValues(reason).Inc()
		},
	}
}

func (m *Metrics) submit(result string) {
	if m == nil {
		return
	}
	m.SubmitsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) finished(s Status) {
	if m == nil {
		return
	}
	m.TriagesTotal.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) queued(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}
