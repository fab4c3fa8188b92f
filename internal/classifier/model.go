package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/linnemanlabs/arbiter/internal/alert"
)

// ModelID names a supported model variant. The set is closed: an artifact
// naming anything else is rejected at load.
type ModelID string

const (
	RandomForest ModelID = "random_forest"
	DecisionTree ModelID = "decision_tree"
	ExtraTrees   ModelID = "extra_trees"
)

// Variant describes the structural limits of a model family.
type Variant struct {
	Name     string
	MinTrees int
	MaxTrees int // 0 means unbounded
}

var variants = map[ModelID]Variant{
	RandomForest: {Name: "Random Forest", MinTrees: 1},
	DecisionTree: {Name: "Decision Tree", MinTrees: 1, MaxTrees: 1},
	ExtraTrees:   {Name: "Extra Trees", MinTrees: 1},
}

// LookupVariant returns the variant for id.
func LookupVariant(id ModelID) (Variant, bool) {
	v, ok := variants[id]
	return v, ok
}

// Artifact is the on-disk model format exported by the training pipeline.
type Artifact struct {
	Model        ModelID       `json:"model"`
	FeatureCount int           `json:"feature_count"`
	Classes      []string      `json:"classes"`
	Scaler       Scaler        `json:"scaler"`
	Trees        []TreeSpec    `json:"trees"`
	Calibration  []Calibration `json:"calibration,omitempty"`
}

// Scaler holds standardization parameters applied before tree evaluation.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// TreeSpec is a flattened binary tree. Node 0 is the root and children
// always sit at higher indices than their parent.
type TreeSpec struct {
	Nodes []NodeSpec `json:"nodes"`
}

// NodeSpec is a split node, or a leaf when Left < 0. Value holds the
// per-class sample weights at a leaf (benign, attack).
type NodeSpec struct {
	Feature   int        `json:"feature"`
	Threshold float64    `json:"threshold"`
	Left      int        `json:"left"`
	Right     int        `json:"right"`
	Value     [2]float64 `json:"value"`
}

// Calibration is one labelled sample used to verify precision reduction.
type Calibration struct {
	Features []float64 `json:"features"`
	Label    Label     `json:"label"`
}

var wantClasses = []string{string(LabelBenign), string(LabelAttack)}

// ReadArtifact decodes and validates an artifact.
func ReadArtifact(r io.Reader) (*Artifact, error) {
	var a Artifact
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// LoadFile reads an artifact from path and compiles it.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model artifact: %w", err)
	}
	defer f.Close()

	a, err := ReadArtifact(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return Compile(a)
}

// Validate checks the artifact's structure against its declared variant.
func (a *Artifact) Validate() error {
	v, ok := variants[a.Model]
	if !ok {
		return fmt.Errorf("unsupported model %q", a.Model)
	}
	if a.FeatureCount != alert.FeatureCount {
		return fmt.Errorf("feature_count %d, want %d", a.FeatureCount, alert.FeatureCount)
	}
	if !slices.Equal(a.Classes, wantClasses) {
		return fmt.Errorf("classes %v, want %v", a.Classes, wantClasses)
	}
	if len(a.Scaler.Mean) != a.FeatureCount || len(a.Scaler.Scale) != a.FeatureCount {
		return errors.New("scaler dimensions do not match feature_count")
	}
	n := len(a.Trees)
	if n < v.MinTrees || (v.MaxTrees > 0 && n > v.MaxTrees) {
		return fmt.Errorf("%s: %d trees not allowed", v.Name, n)
	}
	for ti, t := range a.Trees {
		if err := t.validate(a.FeatureCount); err != nil {
			return fmt.Errorf("tree %d: %w", ti, err)
		}
	}
	for i, c := range a.Calibration {
		if len(c.Features) != a.FeatureCount {
			return fmt.Errorf("calibration %d: %d features", i, len(c.Features))
		}
	}
	return nil
}

func (t TreeSpec) validate(features int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, nd := range t.Nodes {
		if nd.Left < 0 {
			continue
		}
		if nd.Feature < 0 || nd.Feature >= features {
			return fmt.Errorf("node %d: feature %d out of range", i, nd.Feature)
		}
		if nd.Left <= i || nd.Right <= i || nd.Left >= len(t.Nodes) || nd.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: child index out of order", i)
		}
	}
	return nil
}
