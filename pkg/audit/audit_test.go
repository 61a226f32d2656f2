package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"guardrail/pkg/models"
)

// fakeAuditDB is an in-memory audit_records table honouring the
// (request_id, stage) uniqueness constraint.
type fakeAuditDB struct {
	rows    [][]any
	execErr error
	nextID  int64
	lastSQL string
}

func (f *fakeAuditDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL = sql
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	for _, r := range f.rows {
		if r[1] == args[0] && r[2] == args[1] {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
	}
	f.nextID++
	f.rows = append(f.rows, append([]any{f.nextID}, args...))
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeAuditDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	col := 1
	if strings.Contains(sql, "user_id_hash=$1") {
		col = 3
	}
	var out [][]any
	for _, r := range f.rows {
		if r[col] == args[0] {
			out = append(out, r)
		}
	}
	return &fakeRows{rows: out, idx: -1}, nil
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { r.idx++; return r.idx < len(r.rows) }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.idx], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx]
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(row))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = row[i].(int64)
		case *string:
			*p = row[i].(string)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", d)
		}
	}
	return nil
}

func TestAppendAlwaysRedactsAndRoundTrips(t *testing.T) {
	db := &fakeAuditDB{}
	w := NewWriter(db, []byte("pepper"), nil)
	ctx := context.Background()

	err := w.Append(ctx, models.AuditRecord{
		RequestID:  "req-1",
		Stage:      models.StageGateway,
		UserID:     "alice",
		Input:      "card 4111 1111 1111 1111, mail alice@example.com",
		Output:     "call me on 555-123-4567",
		Decision:   models.DecisionDenied,
		Severity:   models.SeverityCritical,
		TrustTier:  models.TierUser,
		ReasonCode: "CONTENT_BLOCKED",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.Contains(db.lastSQL, "ON CONFLICT (request_id, stage) DO NOTHING") {
		t.Fatalf("insert must be idempotent per stage: %s", db.lastSQL)
	}

	got, err := w.Get(ctx, "req-1")
	if err != nil || len(got) != 1 {
		t.Fatalf("get: %v %v", got, err)
	}
	rec := got[0]
	if strings.Contains(rec.Input, "4111") || strings.Contains(rec.Input, "alice@example.com") {
		t.Fatalf("input not redacted: %q", rec.Input)
	}
	if rec.Input != "card [REDACTED:pii_credit_card], mail [REDACTED:pii_email]" {
		t.Fatalf("unexpected redacted input %q", rec.Input)
	}
	if rec.Output != "call me on [REDACTED:pii_phone]" {
		t.Fatalf("unexpected redacted output %q", rec.Output)
	}
	if rec.UserID == "alice" || rec.UserID != HashUser("alice", []byte("pepper")) || len(rec.UserID) != 64 {
		t.Fatalf("user id must be stored as salted hash, got %q", rec.UserID)
	}
	if rec.Severity != models.SeverityCritical || rec.TrustTier != models.TierUser || rec.CreatedAt.IsZero() || rec.ID != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}

	byUser, err := w.ListByUser(ctx, "alice", 10)
	if err != nil || len(byUser) != 1 {
		t.Fatalf("list by user: %v %v", byUser, err)
	}
}

func TestAppendIsIdempotentPerStage(t *testing.T) {
	db := &fakeAuditDB{}
	w := NewWriter(db, nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := w.Append(ctx, models.AuditRecord{RequestID: "r", Stage: models.StageWorker, Decision: models.DecisionCompleted}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Append(ctx, models.AuditRecord{RequestID: "r", Stage: models.StageReview, Decision: models.DecisionApproved}); err != nil {
		t.Fatal(err)
	}
	if len(db.rows) != 2 {
		t.Fatalf("expected one row per stage, got %d", len(db.rows))
	}
	recs, _ := w.Get(ctx, "r")
	if len(recs) != 2 || recs[0].Severity != models.SeverityNone {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestAppendErrors(t *testing.T) {
	if err := (&Writer{}).Append(context.Background(), models.AuditRecord{RequestID: "r", Stage: "s"}); err == nil {
		t.Fatal("expected error without database")
	}
	w := NewWriter(&fakeAuditDB{}, nil, nil)
	if err := w.Append(context.Background(), models.AuditRecord{Stage: "s"}); err == nil {
		t.Fatal("expected error without request id")
	}
	w = NewWriter(&fakeAuditDB{execErr: errors.New("db down")}, nil, nil)
	if err := w.Append(context.Background(), models.AuditRecord{RequestID: "r", Stage: "s"}); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestHashUser(t *testing.T) {
	if HashUser("", []byte("s")) != "" {
		t.Fatal("empty user id must hash to empty")
	}
	if HashUser("u", []byte("a")) == HashUser("u", []byte("b")) {
		t.Fatal("salt must change the hash")
	}
}
