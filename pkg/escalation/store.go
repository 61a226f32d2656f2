package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"guardrail/pkg/models"
)

var (
	ErrNotFound       = errors.New("escalation case not found")
	ErrAlreadyDecided = errors.New("escalation case already decided")
)

type caseDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB  caseDB
	now func() time.Time
}

func NewStore(db caseDB) *Store {
	return &Store{DB: db, now: time.Now}
}

const caseColumns = `case_id, request_id, user_id, detection, status, reviewer_id, held_output, callback_url, created_at, decided_at`

// Create inserts a PENDING case for the request, or returns the existing
// case when one was already created by an earlier delivery.
func (s *Store) Create(ctx context.Context, c models.EscalationCase) (models.EscalationCase, error) {
	if c.RequestID == "" {
		return models.EscalationCase{}, errors.New("escalation: request id required")
	}
	if c.CaseID == "" {
		c.CaseID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	detection, err := json.Marshal(c.Detection)
	if err != nil {
		return models.EscalationCase{}, err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO escalation_cases (case_id, request_id, user_id, detection, status, held_output, callback_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (request_id) DO NOTHING
	`, c.CaseID, c.RequestID, c.UserID, detection, string(models.CasePending), c.HeldOutput, c.CallbackURL, c.CreatedAt)
	if err != nil {
		return models.EscalationCase{}, fmt.Errorf("create case for %s: %w", c.RequestID, err)
	}
	return s.scanOne(s.DB.QueryRow(ctx, `SELECT `+caseColumns+` FROM escalation_cases WHERE request_id=$1`, c.RequestID))
}

func (s *Store) Get(ctx context.Context, caseID string) (models.EscalationCase, error) {
	return s.scanOne(s.DB.QueryRow(ctx, `SELECT `+caseColumns+` FROM escalation_cases WHERE case_id=$1`, caseID))
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]models.EscalationCase, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `SELECT `+caseColumns+`
		FROM escalation_cases WHERE status='PENDING' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.EscalationCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Decide moves a PENDING case to status `to`. The update is conditional on
// the row still being PENDING, so of two concurrent reviewers exactly one
// wins and the other gets ErrAlreadyDecided.
func (s *Store) Decide(ctx context.Context, caseID string, to models.CaseStatus, reviewerID string) (models.EscalationCase, error) {
	if _, err := Transition(models.CasePending, to); err != nil {
		return models.EscalationCase{}, err
	}
	c, err := s.scanOne(s.DB.QueryRow(ctx, `
		UPDATE escalation_cases SET status=$2, reviewer_id=$3, decided_at=$4
		WHERE case_id=$1 AND status='PENDING'
		RETURNING `+caseColumns, caseID, string(to), reviewerID, s.now().UTC()))
	if !errors.Is(err, ErrNotFound) {
		return c, err
	}
	if _, gerr := s.Get(ctx, caseID); gerr != nil {
		return models.EscalationCase{}, gerr
	}
	return models.EscalationCase{}, ErrAlreadyDecided
}

func (s *Store) scanOne(row pgx.Row) (models.EscalationCase, error) {
	c, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EscalationCase{}, ErrNotFound
	}
	return c, err
}

func scanCase(row pgx.Row) (models.EscalationCase, error) {
	var (
		c         models.EscalationCase
		detection []byte
		status    string
		reviewer  *string
	)
	if err := row.Scan(&c.CaseID, &c.RequestID, &c.UserID, &detection, &status, &reviewer,
		&c.HeldOutput, &c.CallbackURL, &c.CreatedAt, &c.DecidedAt); err != nil {
		return models.EscalationCase{}, err
	}
	c.Status = models.CaseStatus(status)
	if reviewer != nil {
		c.ReviewerID = *reviewer
	}
	if len(detection) > 0 {
		if err := json.Unmarshal(detection, &c.Detection); err != nil {
			return models.EscalationCase{}, fmt.Errorf("decode case detection: %w", err)
		}
	}
	return c, nil
}
