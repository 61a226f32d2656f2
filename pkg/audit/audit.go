// Package audit is the append-only decision log. Append is the only insert
// path and always redacts PII before the row is written.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"guardrail/pkg/models"
	"guardrail/pkg/rules"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	redactor *rules.Registry
	now      func() time.Time
}

// NewWriter builds a writer that redacts with reg, or with the built-in
// rules when reg is nil.
func NewWriter(db auditDB, salt []byte, reg *rules.Registry) *Writer {
	if reg == nil {
		reg = rules.Default()
	}
	return &Writer{DB: db, HashSalt: salt, redactor: reg, now: time.Now}
}

const selectColumns = `id, request_id, stage, user_id_hash, input, output, decision, severity, trust_tier, reason_code, created_at`

// Append redacts rec and inserts it. A second record for the same request
// and stage is ignored, so redelivered work does not duplicate rows.
func (w *Writer) Append(ctx context.Context, rec models.AuditRecord) error {
	if w.DB == nil {
		return errors.New("audit: database not configured")
	}
	if rec.RequestID == "" || rec.Stage == "" {
		return errors.New("audit: request id and stage required")
	}
	rec = w.redact(rec)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.now().UTC()
	}
	if rec.Severity == "" {
		rec.Severity = models.SeverityNone
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(request_id, stage, user_id_hash, input, output, decision, severity, trust_tier, reason_code, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (request_id, stage) DO NOTHING
	`, rec.RequestID, rec.Stage, rec.UserID, rec.Input, rec.Output, rec.Decision, string(rec.Severity), string(rec.TrustTier), rec.ReasonCode, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit %s/%s: %w", rec.RequestID, rec.Stage, err)
	}
	return nil
}

// Get returns every stage recorded for a request, oldest first.
func (w *Writer) Get(ctx context.Context, requestID string) ([]models.AuditRecord, error) {
	rows, err := w.DB.Query(ctx, `SELECT `+selectColumns+`
		FROM audit_records WHERE request_id=$1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListByUser returns the newest records for a user, looked up by the salted
// hash stored in place of the identifier.
func (w *Writer) ListByUser(ctx context.Context, userID string, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `SELECT `+selectColumns+`
		FROM audit_records WHERE user_id_hash=$1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		w.HashUser(userID), limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]models.AuditRecord, error) {
	defer rows.Close()
	var out []models.AuditRecord
	for rows.Next() {
		var (
			rec      models.AuditRecord
			severity string
			tier     string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Stage, &rec.UserID, &rec.Input, &rec.Output,
			&rec.Decision, &severity, &tier, &rec.ReasonCode, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Severity = models.Severity(severity)
		rec.TrustTier = models.TrustTier(tier)
		out = append(out, rec)
	}
	return out, rows.Err()
}
