package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/arbiter/internal/classifier"
	"github.com/linnemanlabs/arbiter/internal/consensus"
	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/postgres"
	"github.com/linnemanlabs/arbiter/internal/reasoner"
	"github.com/linnemanlabs/arbiter/internal/retrieval"
	"github.com/linnemanlabs/arbiter/internal/safety"
	"github.com/linnemanlabs/arbiter/internal/triage"
	"github.com/linnemanlabs/arbiter/internal/triage/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("ARBITER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ARBITER_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// uniq keeps ids distinct across runs against a shared database.
func uniq(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	r := &triage.Result{
		ID:      uniq("put-get"),
		AlertID: uniq("alert"),
		Status:  triage.StatusComplete,
		Outcome: consensus.Outcome{
			Severity:   reasoner.SeverityHigh,
			Verdict:    reasoner.TruePositive,
			Confidence: 0.91,
			Label:      consensus.LabelAgreement,
			Classifier: &classifier.Verdict{Label: classifier.LabelAttack, Confidence: 0.91, Model: classifier.RandomForest},
			Reasoner:   &reasoner.Verdict{Verdict: reasoner.TruePositive, Severity: reasoner.SeverityHigh, Confidence: 0.85, Summary: "ssh brute force"},
		},
		Context: []retrieval.Snippet{
			{ID: "T1110", Collection: retrieval.MitreAttack, Text: "Brute Force", Similarity: 0.8},
		},
		Latency:        triage.Latency{Classifier: 1.5, Reasoner: 900, Total: 902.25},
		StageErrors:    map[triage.Stage]errs.Kind{triage.StageRetrieval: errs.KindTimeout},
		SanitizerFlags: map[string]safety.Category{"command": safety.CategoryCommandInjection},
		CreatedAt:      now,
		CompletedAt:    now.Add(time.Second),
	}

	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "ID", r.ID, got.ID)
	assertEqual(t, "AlertID", r.AlertID, got.AlertID)
	assertEqual(t, "Status", r.Status, got.Status)
	assertEqual(t, "Severity", r.Severity, got.Severity)
	assertEqual(t, "Verdict", r.Verdict, got.Verdict)
	assertEqual(t, "Confidence", r.Confidence, got.Confidence)
	assertEqual(t, "Label", r.Label, got.Label)
	assertEqual(t, "Latency", r.Latency, got.Latency)
	assertEqual(t, "CreatedAt", r.CreatedAt, got.CreatedAt.UTC())
	assertEqual(t, "CompletedAt", r.CompletedAt, got.CompletedAt.UTC())

	if got.Classifier == nil || got.Classifier.Label != classifier.LabelAttack {
		t.Errorf("Classifier = %+v", got.Classifier)
	}
	if got.Reasoner == nil || got.Reasoner.Summary != "ssh brute force" {
		t.Errorf("Reasoner = %+v", got.Reasoner)
	}
	if len(got.Context) != 1 || got.Context[0].ID != "T1110" {
		t.Errorf("Context = %+v", got.Context)
	}
	assertEqual(t, "StageErrors[retrieval]", errs.KindTimeout, got.StageErrors[triage.StageRetrieval])
	assertEqual(t, "SanitizerFlags[command]", safety.CategoryCommandInjection, got.SanitizerFlags["command"])
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), uniq("missing"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get returned ok=true for missing ID")
	}
}

func TestPendingHasNullColumns(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := &triage.Result{ID: uniq("pending"), AlertID: uniq("alert"), Status: triage.StatusPending, CreatedAt: time.Now()}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Classifier != nil || got.Reasoner != nil || got.StageErrors != nil {
		t.Errorf("expected empty verdicts, got %+v", got)
	}
	if !got.CompletedAt.IsZero() {
		t.Errorf("CompletedAt = %v, want zero", got.CompletedAt)
	}
}

func TestGetByAlertID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	alertID := uniq("alert")
	now := time.Now().Truncate(time.Microsecond).UTC()

	older := &triage.Result{ID: uniq("old"), AlertID: alertID, Status: triage.StatusComplete, CreatedAt: now.Add(-time.Hour)}
	newer := &triage.Result{ID: uniq("new"), AlertID: alertID, Status: triage.StatusPending, CreatedAt: now}
	for _, r := range []*triage.Result{older, newer} {
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put %s: %v", r.ID, err)
		}
	}

	got, ok, err := s.GetByAlertID(ctx, alertID)
	if err != nil {
		t.Fatalf("GetByAlertID: %v", err)
	}
	if !ok {
		t.Fatal("GetByAlertID returned ok=false")
	}
	assertEqual(t, "ID", newer.ID, got.ID)
}

func TestGetByAlertIDMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.GetByAlertID(context.Background(), uniq("nope"))
	if err != nil {
		t.Fatalf("GetByAlertID: %v", err)
	}
	if ok {
		t.Fatal("GetByAlertID returned ok=true for missing alert")
	}
}

func TestUpsert(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := &triage.Result{ID: uniq("upsert"), AlertID: uniq("alert"), Status: triage.StatusPending, CreatedAt: time.Now()}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put (insert): %v", err)
	}

	r.Status = triage.StatusComplete
	r.Verdict = reasoner.FalsePositive
	r.Severity = reasoner.SeverityLow
	r.Label = consensus.LabelClassifierOnly
	r.CompletedAt = time.Now()
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put (update): %v", err)
	}

	got, _, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertEqual(t, "Status", triage.StatusComplete, got.Status)
	assertEqual(t, "Verdict", reasoner.FalsePositive, got.Verdict)
	assertEqual(t, "Label", consensus.LabelClassifierOnly, got.Label)
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not updated")
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
