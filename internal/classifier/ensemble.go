package classifier

import "sync"

type number interface {
	~float32 | ~float64
}

type node[T number] struct {
	threshold T
	feature   int32
	left      int32
	right     int32
	attack    bool
}

// ensemble is a compiled forest at one floating-point precision. It is
// immutable after construction; only the scratch pool is shared state.
type ensemble[T number] struct {
	mean  []T
	scale []T
	trees [][]node[T]
	pool  sync.Pool
}

func newEnsemble[T number](a *Artifact) *ensemble[T] {
	e := &ensemble[T]{
		mean:  make([]T, a.FeatureCount),
		scale: make([]T, a.FeatureCount),
		trees: make([][]node[T], len(a.Trees)),
	}
	for i := range a.FeatureCount {
		e.mean[i] = T(a.Scaler.Mean[i])
		s := T(a.Scaler.Scale[i])
		if s == 0 {
			s = 1
		}
		e.scale[i] = s
	}
	for ti, t := range a.Trees {
		nodes := make([]node[T], len(t.Nodes))
		for i, nd := range t.Nodes {
			nodes[i] = node[T]{
				threshold: T(nd.Threshold),
				feature:   int32(nd.Feature),
				left:      int32(nd.Left),
				right:     int32(nd.Right),
				attack:    nd.Value[1] >= nd.Value[0],
			}
		}
		e.trees[ti] = nodes
	}
	n := a.FeatureCount
	e.pool.New = func() any {
		buf := make([]T, n)
		return &buf
	}
	return e
}

func (e *ensemble[T]) numTrees() int { return len(e.trees) }

// attackVotes returns how many trees in [from, to) vote attack for raw.
func (e *ensemble[T]) attackVotes(raw []float64, from, to int) int {
	bp := e.pool.Get().(*[]T)
	x := *bp
	for i, v := range raw {
		x[i] = (T(v) - e.mean[i]) / e.scale[i]
	}

	votes := 0
	for _, t := range e.trees[from:to] {
		if walk(t, x) {
			votes++
		}
	}

	e.pool.Put(bp)
	return votes
}

func walk[T number](t []node[T], x []T) bool {
	i := int32(0)
	for {
		nd := &t[i]
		if nd.left < 0 {
			return nd.attack
		}
		if x[nd.feature] <= nd.threshold {
			i = nd.left
		} else {
			i = nd.right
		}
	}
}
