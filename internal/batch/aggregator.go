// Package batch coalesces concurrent single-vector classification requests
// into batched classifier calls.
package batch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/arbiter/internal/classifier"
	"github.com/linnemanlabs/arbiter/internal/errs"
)

const op = "batch.classify"

// ErrClosed is returned for requests made after Close.
var ErrClosed = errors.New("aggregator closed")

// Classifier scores a batch of already-validated vectors.
type Classifier interface {
	ClassifyBatch(vecs [][]float64) ([]classifier.Verdict, error)
}

// Flush triggers reported to hooks.
const (
	TriggerSize  = "size"
	TriggerTimer = "timer"
	TriggerClose = "close"
)

// Hooks are optional callbacks fired after each batch completes.
type Hooks struct {
	OnFlush func(size int, trigger string, elapsed time.Duration)
}

// Options bound a batch by count and by age of its oldest request.
type Options struct {
	MaxSize int
	MaxWait time.Duration
}

type result struct {
	v   classifier.Verdict
	err error
}

type request struct {
	vec []float64
	out chan result
}

// Aggregator collects requests until MaxSize are pending or MaxWait has
// elapsed since the first one arrived, then classifies them together.
type Aggregator struct {
	clf   Classifier
	opts  Options
	hooks Hooks

	mu      sync.Mutex
	pending []*request
	gen     uint64
	timer   *time.Timer
	closed  bool

	inflight sync.WaitGroup
}

// New returns an Aggregator over clf.
func New(clf Classifier, opts Options, hooks Hooks) *Aggregator {
	if clf == nil {
		panic(xerrors.New("batch.New: nil classifier"))
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Millisecond
	}
	return &Aggregator{clf: clf, opts: opts, hooks: hooks}
}

// Classify enqueues vec and waits for its batch to complete. A caller whose
// context ends stops waiting; the batch itself still runs to completion.
func (a *Aggregator) Classify(ctx context.Context, vec []float64) (classifier.Verdict, error) {
	if err := classifier.CheckVector(vec); err != nil {
		return classifier.Verdict{}, err
	}

	req := &request{vec: slices.Clone(vec), out: make(chan result, 1)}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return classifier.Verdict{}, errs.E(errs.KindUnavailable, op, ErrClosed)
	}
	a.pending = append(a.pending, req)
	var full []*request
	switch {
	case len(a.pending) >= a.opts.MaxSize:
		full = a.drainLocked()
	case len(a.pending) == 1:
		gen := a.gen
		a.timer = time.AfterFunc(a.opts.MaxWait, func() { a.flushTimer(gen) })
	}
	a.mu.Unlock()

	if full != nil {
		go a.run(full, TriggerSize)
	}

	select {
	case r := <-req.out:
		return r.v, r.err
	case <-ctx.Done():
		return classifier.Verdict{}, errs.FromContext(ctx, op, ctx.Err(), errs.KindUnavailable)
	}
}

// Pending reports how many requests are waiting for the next flush.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close flushes pending requests and waits for in-flight batches. Later
// calls to Classify fail with an Unavailable error.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	var rest []*request
	if len(a.pending) > 0 {
		rest = a.drainLocked()
	}
	a.mu.Unlock()

	if rest != nil {
		a.run(rest, TriggerClose)
	}
	a.inflight.Wait()
}

// drainLocked takes ownership of the pending slice. Bumping gen invalidates
// any timer armed for the drained requests.
func (a *Aggregator) drainLocked() []*request {
	out := a.pending
	a.pending = nil
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.inflight.Add(1)
	return out
}

func (a *Aggregator) flushTimer(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	reqs := a.drainLocked()
	a.mu.Unlock()

	a.run(reqs, TriggerTimer)
}

func (a *Aggregator) run(reqs []*request, trigger string) {
	defer a.inflight.Done()
	start := time.Now()

	vecs := make([][]float64, len(reqs))
	for i, r := range reqs {
		vecs[i] = r.vec
	}

	verdicts, err := a.clf.ClassifyBatch(vecs)
	if err == nil && len(verdicts) != len(reqs) {
		err = errors.New("classifier returned a short batch")
	}
	for i, r := range reqs {
		if err != nil {
			r.out <- result{err: errs.E(errs.KindInternal, op, err)}
			continue
		}
		r.out <- result{v: verdicts[i]}
	}

	if a.hooks.OnFlush != nil {
		a.hooks.OnFlush(len(reqs), trigger, time.Since(start))
	}
}
