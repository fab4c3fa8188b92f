package triage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/arbiter/internal/alert"
	"github.com/linnemanlabs/arbiter/internal/errs"
)

// MaxBatch bounds AnalyzeBatch.
const MaxBatch = 100

var (
	// ErrQueueFull is returned when every worker is busy and the queue is at depth.
	ErrQueueFull = errors.New("triage queue full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("triage service closed")
)

// SubmitResult is the outcome of submitting an alert for triage.
type SubmitResult struct {
	ID      string `json:"id,omitempty"`
	AlertID string `json:"alert_id"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// BatchItem is one entry of an AnalyzeBatch response, in input order.
type BatchItem struct {
	AlertID string
	Result  *Result
	Err     error
}

// Runner triages one alert. *Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, al *alert.Alert) (*Result, error)
}

// Notifier is told about every finished triage. Implementations decide
// which results they forward.
type Notifier interface {
	Send(ctx context.Context, r *Result) error
}

// ServiceOptions size the worker pool. Zero values select defaults.
type ServiceOptions struct {
	Workers    int
	QueueDepth int
}

// job hands a Result to a worker. The worker owns res from dequeue on;
// nothing else holds the pointer.
type job struct {
	res  *Result
	al   *alert.Alert
	done chan *Result
}

// Service is the business boundary for triage operations.
type Service struct {
	store     Store
	runner    Runner
	logger    log.Logger
	metrics   *Metrics
	notifiers []Notifier

	// mu guards closed and the send side of queue.
	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	// dedupMu serializes the lookup+insert of Submit.
	dedupMu sync.Mutex
}

// NewService creates a triage service and starts its workers. metrics may
// be nil; nil notifiers are skipped.
func NewService(store Store, runner Runner, logger log.Logger, metrics *Metrics, opts ServiceOptions, notifiers ...Notifier) *Service {
	if store == nil || runner == nil {
		panic(xerrors.New("triage.NewService: store and runner are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}

	var ns []Notifier
	for _, n := range notifiers {
		if n != nil {
			ns = append(ns, n)
		}
	}

	s := &Service{
		store:     store,
		runner:    runner,
		logger:    logger.With("component", "triage"),
		metrics:   metrics,
		notifiers: ns,
		queue:     make(chan job, opts.QueueDepth),
	}
	s.wg.Add(opts.Workers)
	for range opts.Workers {
		go s.worker()
	}
	return s
}

// Submit accepts an alert for asynchronous triage. An alert id that already
// has a pending or in-progress triage is skipped.
func (s *Service) Submit(ctx context.Context, al *alert.Alert) (*SubmitResult, error) {
	if err := al.Validate(); err != nil {
		s.metrics.submit("invalid")
		return nil, err
	}

	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()

	existing, ok, err := s.store.GetByAlertID(ctx, al.ID)
	if err != nil {
		s.metrics.submit("error")
		return nil, errs.E(errs.KindUnavailable, "triage.Submit", err)
	}
	if ok && !existing.Status.Done() {
		s.metrics.submit("duplicate")
		return &SubmitResult{ID: existing.ID, AlertID: al.ID, Skipped: true, Reason: "duplicate"}, nil
	}

	id, err := s.accept(ctx, al, nil)
	if err != nil {
		s.metrics.submit(string(errs.KindOf(err)))
		return nil, err
	}
	s.metrics.submit("accepted")
	return &SubmitResult{ID: id, AlertID: al.ID}, nil
}

// Analyze triages an alert and waits for the result. The run uses the same
// worker pool as Submit; if ctx ends first the run still completes and is
// stored.
func (s *Service) Analyze(ctx context.Context, al *alert.Alert) (*Result, error) {
	if err := al.Validate(); err != nil {
		s.metrics.submit("invalid")
		return nil, err
	}

	done := make(chan *Result, 1)
	if _, err := s.accept(ctx, al, done); err != nil {
		s.metrics.submit(string(errs.KindOf(err)))
		return nil, err
	}
	s.metrics.submit("accepted")

	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return nil, errs.FromContext(ctx, "triage.Analyze", ctx.Err(), errs.KindUnavailable)
	}
}

// AnalyzeBatch triages up to MaxBatch alerts concurrently. One alert's
// failure never affects the others.
func (s *Service) AnalyzeBatch(ctx context.Context, alerts []alert.Alert) ([]BatchItem, error) {
	if len(alerts) == 0 || len(alerts) > MaxBatch {
		return nil, errs.Validation("triage.AnalyzeBatch", "batch size %d outside 1..%d", len(alerts), MaxBatch)
	}

	items := make([]BatchItem, len(alerts))
	var wg sync.WaitGroup
	for i := range alerts {
		wg.Go(func() {
			r, err := s.Analyze(ctx, &alerts[i])
			items[i] = BatchItem{AlertID: alerts[i].ID, Result: r, Err: err}
		})
	}
	wg.Wait()
	return items, nil
}

// Get retrieves a triage result by ID.
func (s *Service) Get(ctx context.Context, id string) (*Result, bool, error) {
	return s.store.Get(ctx, id)
}

// Pending returns the number of queued alerts.
func (s *Service) Pending() int {
	return len(s.queue)
}

// Close stops accepting work, lets the workers drain the queue, and waits
// for them or for ctx.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// accept stores a pending Result and queues it. A queue rejection is
// recorded on the stored Result as a failed run.
func (s *Service) accept(ctx context.Context, al *alert.Alert, done chan *Result) (string, error) {
	res := &Result{
		ID:        ulid.Make().String(),
		AlertID:   al.ID,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.Put(ctx, res); err != nil {
		return "", errs.E(errs.KindUnavailable, "triage.accept", err)
	}

	id := res.ID
	if err := s.enqueue(job{res: res, al: al.Clone(), done: done}); err != nil {
		res.Status = StatusFailed
		res.addStageError(StageQueue, errs.KindOf(err))
		res.CompletedAt = time.Now()
		if perr := s.store.Put(context.WithoutCancel(ctx), res); perr != nil {
			s.logger.Error(ctx, perr, "failed to persist rejected triage", "triage_id", id)
		}
		s.logger.Warn(ctx, "triage rejected", "triage_id", id, "alert_id", al.ID, "kind", errs.KindOf(err))
		return "", err
	}
	return id, nil
}

func (s *Service) enqueue(j job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errs.E(errs.KindUnavailable, "triage.enqueue", ErrClosed)
	}
	select {
	case s.queue <- j:
		s.metrics.queued(len(s.queue))
		return nil
	default:
		return errs.E(errs.KindUnavailable, "triage.enqueue", ErrQueueFull)
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		s.metrics.queued(len(s.queue))
		s.process(j)
	}
}

func (s *Service) process(j job) {
	res := j.res
	L := s.logger.With("triage_id", res.ID, "alert_id", res.AlertID)
	ctx := log.WithContext(context.Background(), L)

	res.Status = StatusInProgress
	if err := s.store.Put(ctx, res); err != nil {
		L.Error(ctx, err, "failed to update status to in_progress")
	}

	out, err := s.runner.Run(ctx, j.al)
	if err != nil {
		res.Status = StatusFailed
		res.addStageError(StageValidate, errs.KindOf(err))
		res.CompletedAt = time.Now()
	} else {
		out.ID = res.ID
		out.CreatedAt = res.CreatedAt
		res = out
	}

	if err := s.store.Put(ctx, res); err != nil {
		L.Error(ctx, err, "failed to persist triage result")
	}
	s.metrics.finished(res.Status)

	L.Info(ctx, "triage complete",
		"status", res.Status,
		"verdict", res.Verdict,
		"consensus", res.Label,
		"confidence", res.Confidence,
		"total_ms", res.Latency.Total,
		"stage_errors", len(res.StageErrors),
	)

	if j.done != nil {
		j.done <- res.Clone()
	}

	for _, n := range s.notifiers {
		if err := n.Send(ctx, res); err != nil {
			L.Error(ctx, err, "failed to send triage notification")
		}
	}
}
