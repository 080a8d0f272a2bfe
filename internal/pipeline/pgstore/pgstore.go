// Package pgstore provides a PostgreSQL implementation of pipeline.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinel/internal/pipeline"
	"github.com/linnemanlabs/sentinel/internal/schema"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/pipeline/pgstore")

//go:embed schema.sql
var ddl string

// Store persists pipeline records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) span(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// PutTriage upserts a triage record keyed by triage id, so at-least-once
// stage retries never create duplicate rows.
func (s *Store) PutTriage(ctx context.Context, t *schema.TriageObject) error {
	ctx, span := s.span(ctx, "pgstore.PutTriage", "UPSERT")
	defer span.End()

	record, err := json.Marshal(t)
	if err != nil {
		return fail(span, fmt.Errorf("marshal triage: %w", err))
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO triages (
		id, alert_id, status, severity, route, rule_id, agent_id, case_link,
		error_message, latency_ms, tokens_used, record, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (id) DO UPDATE SET
		status        = EXCLUDED.status,
		severity      = EXCLUDED.severity,
		route         = EXCLUDED.route,
		case_link     = EXCLUDED.case_link,
		error_message = EXCLUDED.error_message,
		latency_ms    = EXCLUDED.latency_ms,
		tokens_used   = EXCLUDED.tokens_used,
		record        = EXCLUDED.record`,
		t.TriageID, t.AlertID, string(t.Status), string(t.Severity), string(t.Route),
		t.RuleID, t.Agent.ID, t.CaseLink, t.ErrorMessage, t.LatencyMs, t.TokensUsed,
		record, t.TriagedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert triage: %w", err))
	}
	return nil
}

// GetTriage retrieves a triage by id.
func (s *Store) GetTriage(ctx context.Context, id string) (*schema.TriageObject, bool, error) {
	ctx, span := s.span(ctx, "pgstore.GetTriage", "SELECT")
	defer span.End()

	return s.scanTriage(span, s.pool.QueryRow(ctx,
		`SELECT record FROM triages WHERE id = $1`, id))
}

// GetTriageByAlertID retrieves the most recent triage for an alert id.
func (s *Store) GetTriageByAlertID(ctx context.Context, alertID string) (*schema.TriageObject, bool, error) {
	ctx, span := s.span(ctx, "pgstore.GetTriageByAlertID", "SELECT")
	defer span.End()

	return s.scanTriage(span, s.pool.QueryRow(ctx,
		`SELECT record FROM triages WHERE alert_id = $1 ORDER BY created_at DESC LIMIT 1`, alertID))
}

// ListTriages returns triages matching the filter, newest first.
func (s *Store) ListTriages(ctx context.Context, f pipeline.TriageFilter) ([]*schema.TriageObject, error) {
	ctx, span := s.span(ctx, "pgstore.ListTriages", "SELECT")
	defer span.End()

	f = f.Normalize()

	var sb strings.Builder
	sb.WriteString(`SELECT record FROM triages`)
	var args []any
	var conds []string
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		conds = append(conds, "severity = $"+strconv.Itoa(len(args)))
	}
	if f.Route != "" {
		args = append(args, string(f.Route))
		conds = append(conds, "route = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	args = append(args, f.Limit)
	sb.WriteString(" ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args)))
	args = append(args, f.Offset)
	sb.WriteString(" OFFSET $" + strconv.Itoa(len(args)))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query triages: %w", err))
	}
	defer rows.Close()

	return collectTriages(span, rows)
}

// RecentTriages returns completed triages created at or after since, newest first.
func (s *Store) RecentTriages(ctx context.Context, since time.Time, limit int) ([]*schema.TriageObject, error) {
	ctx, span := s.span(ctx, "pgstore.RecentTriages", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT record FROM triages
		 WHERE status = 'completed' AND created_at >= $1
		 ORDER BY created_at DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query recent triages: %w", err))
	}
	defer rows.Close()

	return collectTriages(span, rows)
}

// SetTriageCaseLink attaches the forward case reference, updating both the
// filter column and the stored record.
func (s *Store) SetTriageCaseLink(ctx context.Context, triageID, caseID string) error {
	ctx, span := s.span(ctx, "pgstore.SetTriageCaseLink", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE triages
		 SET case_link = $2, record = jsonb_set(record, '{caseLink}', to_jsonb($2::text))
		 WHERE id = $1`,
		triageID, caseID)
	if err != nil {
		return fail(span, fmt.Errorf("set case link: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("%w: %s", pipeline.ErrTriageNotFound, triageID))
	}
	return nil
}

// PutCorrelation upserts a correlation bundle.
func (s *Store) PutCorrelation(ctx context.Context, b *schema.CorrelationBundle) error {
	ctx, span := s.span(ctx, "pgstore.PutCorrelation", "UPSERT")
	defer span.End()

	record, err := json.Marshal(b)
	if err != nil {
		return fail(span, fmt.Errorf("marshal correlation: %w", err))
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO correlations (
		id, source_triage_id, status, risk_score, error_message,
		latency_ms, tokens_used, record, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (id) DO UPDATE SET
		status        = EXCLUDED.status,
		risk_score    = EXCLUDED.risk_score,
		error_message = EXCLUDED.error_message,
		latency_ms    = EXCLUDED.latency_ms,
		tokens_used   = EXCLUDED.tokens_used,
		record        = EXCLUDED.record`,
		b.CorrelationID, b.SourceTriageID, string(b.Status), b.RiskScore,
		b.ErrorMessage, b.LatencyMs, b.TokensUsed, record, b.CorrelatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert correlation: %w", err))
	}
	return nil
}

// GetCorrelation retrieves a correlation bundle by id.
func (s *Store) GetCorrelation(ctx context.Context, id string) (*schema.CorrelationBundle, bool, error) {
	ctx, span := s.span(ctx, "pgstore.GetCorrelation", "SELECT")
	defer span.End()

	var record []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM correlations WHERE id = $1`, id).Scan(&record)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan correlation: %w", err))
	}

	var b schema.CorrelationBundle
	if err := json.Unmarshal(record, &b); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal correlation: %w", err))
	}
	return &b, true, nil
}

// PutCase upserts a living case.
func (s *Store) PutCase(ctx context.Context, c *schema.LivingCaseObject) error {
	ctx, span := s.span(ctx, "pgstore.PutCase", "UPSERT")
	defer span.End()

	record, err := json.Marshal(c)
	if err != nil {
		return fail(span, fmt.Errorf("marshal case: %w", err))
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO cases (id, status, record, opened_at, updated_at)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (id) DO UPDATE SET
		status     = EXCLUDED.status,
		record     = EXCLUDED.record,
		updated_at = EXCLUDED.updated_at`,
		c.CaseID, string(c.Status), record, c.OpenedAt, c.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert case: %w", err))
	}
	return nil
}

// GetCase retrieves a case by id.
func (s *Store) GetCase(ctx context.Context, id string) (*schema.LivingCaseObject, bool, error) {
	ctx, span := s.span(ctx, "pgstore.GetCase", "SELECT")
	defer span.End()

	var record []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM cases WHERE id = $1`, id).Scan(&record)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan case: %w", err))
	}

	var c schema.LivingCaseObject
	if err := json.Unmarshal(record, &c); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal case: %w", err))
	}
	return &c, true, nil
}

// OpenCases returns cases not yet in a terminal status, oldest first.
func (s *Store) OpenCases(ctx context.Context) ([]*schema.LivingCaseObject, error) {
	ctx, span := s.span(ctx, "pgstore.OpenCases", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT record FROM cases
		 WHERE status NOT IN ('resolved', 'closed', 'false_positive')
		 ORDER BY opened_at`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query open cases: %w", err))
	}
	defer rows.Close()

	out := []*schema.LivingCaseObject{}
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fail(span, fmt.Errorf("scan case: %w", err))
		}
		var c schema.LivingCaseObject
		if err := json.Unmarshal(record, &c); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal case: %w", err))
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate cases: %w", err))
	}
	return out, nil
}

func (s *Store) scanTriage(span trace.Span, row pgx.Row) (*schema.TriageObject, bool, error) {
	var record []byte
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan triage: %w", err))
	}
	var t schema.TriageObject
	if err := json.Unmarshal(record, &t); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal triage: %w", err))
	}
	return &t, true, nil
}

func collectTriages(span trace.Span, rows pgx.Rows) ([]*schema.TriageObject, error) {
	out := []*schema.TriageObject{}
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fail(span, fmt.Errorf("scan triage: %w", err))
		}
		var t schema.TriageObject
		if err := json.Unmarshal(record, &t); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal triage: %w", err))
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate triages: %w", err))
	}
	return out, nil
}
