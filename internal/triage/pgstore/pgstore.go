// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/arbiter/internal/consensus"
	"github.com/linnemanlabs/arbiter/internal/reasoner"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/arbiter/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists triage results in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const resultColumns = `id, alert_id, status, severity, verdict, confidence, consensus,
	classifier, reasoner, context, latency, stage_errors, sanitizer_flags, created_at, completed_at`

// Get retrieves a triage result by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Result, bool, error) {
	return s.queryOne(ctx, "pgstore.Get",
		`SELECT `+resultColumns+` FROM triage_results WHERE id = $1`, id)
}

// GetByAlertID retrieves the most recent triage result for an alert.
func (s *Store) GetByAlertID(ctx context.Context, alertID string) (*triage.Result, bool, error) {
	return s.queryOne(ctx, "pgstore.GetByAlertID",
		`SELECT `+resultColumns+` FROM triage_results WHERE alert_id = $1 ORDER BY created_at DESC LIMIT 1`, alertID)
}

func (s *Store) queryOne(ctx context.Context, spanName, query string, arg string) (*triage.Result, bool, error) {
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	r, err := scanResultRow(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// Put inserts or updates a triage result.
func (s *Store) Put(ctx context.Context, r *triage.Result) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.String("arbiter.triage.status", string(r.Status)),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsertResult(ctx, tx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping checks database reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func upsertResult(ctx context.Context, tx pgx.Tx, r *triage.Result) error {
	var (
		cols [6][]byte
		err  error
	)
	for i, v := range []any{r.Classifier, r.Reasoner, r.Context, r.Latency, r.StageErrors, r.SanitizerFlags} {
		if cols[i], err = marshalNullable(v); err != nil {
			return fmt.Errorf("marshal column %d: %w", i, err)
		}
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	query := `INSERT INTO triage_results (` + resultColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (id) DO UPDATE SET
		alert_id        = EXCLUDED.alert_id,
		status          = EXCLUDED.status,
		severity        = EXCLUDED.severity,
		verdict         = EXCLUDED.verdict,
		confidence      = EXCLUDED.confidence,
		consensus       = EXCLUDED.consensus,
		classifier      = EXCLUDED.classifier,
		reasoner        = EXCLUDED.reasoner,
		context         = EXCLUDED.context,
		latency         = EXCLUDED.latency,
		stage_errors    = EXCLUDED.stage_errors,
		sanitizer_flags = EXCLUDED.sanitizer_flags,
		completed_at    = EXCLUDED.completed_at`

	_, err = tx.Exec(ctx, query,
		r.ID, r.AlertID, string(r.Status), string(r.Severity), string(r.Verdict), r.Confidence, string(r.Label),
		cols[0], cols[1], cols[2], cols[3], cols[4], cols[5], r.CreatedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert triage: %w", err)
	}
	return nil
}

// marshalNullable encodes v as JSON, mapping nil pointers, maps and slices
// to SQL NULL.
func marshalNullable(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func unmarshalNullable(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

// scanResultRow scans a single row into a triage.Result.
// Returns (nil, nil) when no row is found.
func scanResultRow(row pgx.Row) (*triage.Result, error) {
	var (
		r                                   triage.Result
		status, severity, verdict, label    string
		classifierJSON, reasonerJSON        []byte
		contextJSON, latencyJSON            []byte
		stageErrorsJSON, sanitizerFlagsJSON []byte
		completedAt                         *time.Time
	)

	err := row.Scan(
		&r.ID, &r.AlertID, &status, &severity, &verdict, &r.Confidence, &label,
		&classifierJSON, &reasonerJSON, &contextJSON, &latencyJSON, &stageErrorsJSON, &sanitizerFlagsJSON,
		&r.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = triage.Status(status)
	r.Severity = reasoner.Severity(severity)
	r.Verdict = reasoner.Disposition(verdict)
	r.Label = consensus.Label(label)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}

	for name, c := range map[string]struct {
		b   []byte
		dst any
	}{
		"classifier":      {classifierJSON, &r.Classifier},
		"reasoner":        {reasonerJSON, &r.Reasoner},
		"context":         {contextJSON, &r.Context},
		"latency":         {latencyJSON, &r.Latency},
		"stage_errors":    {stageErrorsJSON, &r.StageErrors},
		"sanitizer_flags": {sanitizerFlagsJSON, &r.SanitizerFlags},
	} {
		if err := unmarshalNullable(c.b, c.dst); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
	}

	return &r, nil
}
