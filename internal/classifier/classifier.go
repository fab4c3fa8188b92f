// Package classifier evaluates a pre-trained tree ensemble over the fixed
// 78-value flow feature vector. A compiled Model is read-only and safe for
// concurrent use without locking.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/linnemanlabs/arbiter/internal/alert"
	"github.com/linnemanlabs/arbiter/internal/errs"
)

// Label is the binary classifier outcome.
type Label string

const (
	LabelBenign Label = "benign"
	LabelAttack Label = "attack"
)

// Precision is the floating-point width the ensemble is evaluated at.
type Precision string

const (
	Float32 Precision = "float32"
	Float64 Precision = "float64"
)

// MaxDisagreementPct is the largest share of calibration samples, in
// percentage points, on which float32 may disagree with float64 before the
// model is kept at full precision.
const MaxDisagreementPct = 0.05

// ErrInvalidFeatureVector is returned for vectors of the wrong width or with
// non-finite values.
var ErrInvalidFeatureVector = &errs.Error{
	Kind: errs.KindValidation,
	Op:   "classifier",
	Err:  errors.New("invalid feature vector"),
}

// Probabilities are the per-class vote shares. They always sum to 1.
type Probabilities struct {
	Benign float64 `json:"benign"`
	Attack float64 `json:"attack"`
}

// Verdict is the classifier's output for one vector.
type Verdict struct {
	Label         Label         `json:"label"`
	Confidence    float64       `json:"confidence"`
	Probabilities Probabilities `json:"probabilities"`
	Model         ModelID       `json:"model"`
	InferenceTime time.Duration `json:"inference_time_ns"`
}

type evaluator interface {
	numTrees() int
	attackVotes(raw []float64, from, to int) int
}

// Model is a compiled artifact.
type Model struct {
	id           ModelID
	eval         evaluator
	precision    Precision
	disagreement float64
}

// Info summarizes a loaded model for health and startup logging.
type Info struct {
	Model           ModelID   `json:"model"`
	Trees           int       `json:"trees"`
	Precision       Precision `json:"precision"`
	DisagreementPct float64   `json:"calibration_disagreement_pct"`
}

// Compile builds an evaluator from a validated artifact. When calibration
// samples are present the float32 rendition is tried and kept only if it
// agrees with float64 within MaxDisagreementPct.
func Compile(a *Artifact) (*Model, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	full := newEnsemble[float64](a)
	m := &Model{id: a.Model, eval: full, precision: Float64}
	if len(a.Calibration) == 0 {
		return m, nil
	}

	reduced := newEnsemble[float32](a)
	trees := full.numTrees()
	differ := 0
	for _, c := range a.Calibration {
		if label(full.attackVotes(c.Features, 0, trees), trees) != label(reduced.attackVotes(c.Features, 0, trees), trees) {
			differ++
		}
	}
	m.disagreement = 100 * float64(differ) / float64(len(a.Calibration))
	if m.disagreement <= MaxDisagreementPct {
		m.eval = reduced
		m.precision = Float32
	}
	return m, nil
}

// Info returns the model summary.
func (m *Model) Info() Info {
	return Info{
		Model:           m.id,
		Trees:           m.eval.numTrees(),
		Precision:       m.precision,
		DisagreementPct: m.disagreement,
	}
}

// ID returns the model variant.
func (m *Model) ID() ModelID { return m.id }

// Precision returns the precision chosen at compile time.
func (m *Model) Precision() Precision { return m.precision }

// Classify scores a single vector.
func (m *Model) Classify(vec []float64) (Verdict, error) {
	start := time.Now()
	if err := CheckVector(vec); err != nil {
		return Verdict{}, err
	}
	votes := m.eval.attackVotes(vec, 0, m.eval.numTrees())
	return m.verdict(votes, time.Since(start)), nil
}

// ClassifyBatch scores many vectors. Trees are split into sub-ensembles
// evaluated in parallel; per-vector integer tallies are summed afterwards so
// each result equals what Classify returns for the same vector.
func (m *Model) ClassifyBatch(vecs [][]float64) ([]Verdict, error) {
	start := time.Now()
	for i, v := range vecs {
		if err := CheckVector(v); err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
	}
	if len(vecs) == 0 {
		return nil, nil
	}

	trees := m.eval.numTrees()
	procs := runtime.GOMAXPROCS(0)
	shards := min(procs, trees)
	tallies := make([][]int, shards)

	var wg sync.WaitGroup
	for s := range shards {
		from, to := s*trees/shards, (s+1)*trees/shards
		wg.Go(func() {
			t := make([]int, len(vecs))
			for i, v := range vecs {
				t[i] = m.eval.attackVotes(v, from, to)
			}
			tallies[s] = t
		})
	}
	wg.Wait()

	elapsed := time.Since(start)
	out := make([]Verdict, len(vecs))
	for i := range vecs {
		votes := 0
		for _, t := range tallies {
			votes += t[i]
		}
		out[i] = m.verdict(votes, elapsed)
	}
	return out, nil
}

// CheckVector validates width and finiteness.
func CheckVector(vec []float64) error {
	if len(vec) != alert.FeatureCount {
		return fmt.Errorf("%w: got %d values, want %d", ErrInvalidFeatureVector, len(vec), alert.FeatureCount)
	}
	for i, f := range vec {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: value %d is not finite", ErrInvalidFeatureVector, i)
		}
	}
	return nil
}

func (m *Model) verdict(votes int, elapsed time.Duration) Verdict {
	trees := m.eval.numTrees()
	attack := float64(votes) / float64(trees)
	p := Probabilities{Benign: 1 - attack, Attack: attack}

	v := Verdict{
		Label:         label(votes, trees),
		Probabilities: p,
		Model:         m.id,
		InferenceTime: elapsed,
	}
	v.Confidence = max(p.Benign, p.Attack)
	return v
}

// label resolves ties to attack.
func label(votes, trees int) Label {
	if 2*votes >= trees {
		return LabelAttack
	}
	return LabelBenign
}
