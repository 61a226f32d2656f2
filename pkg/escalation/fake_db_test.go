package escalation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeCaseDB is an in-memory escalation_cases table. The mutex gives the
// conditional UPDATE the same all-or-nothing semantics as a row lock.
type fakeCaseDB struct {
	mu      sync.Mutex
	rows    map[string][]any
	execErr error
}

func newFakeCaseDB() *fakeCaseDB {
	return &fakeCaseDB{rows: map[string][]any{}}
}

func (f *fakeCaseDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	if !strings.Contains(sql, "INSERT INTO escalation_cases") {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec %q", sql)
	}
	for _, r := range f.rows {
		if r[1] == args[1] {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
	}
	f.rows[args[0].(string)] = []any{
		args[0], args[1], args[2], args[3], args[4], (*string)(nil),
		args[5], args[6], args[7], (*time.Time)(nil),
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeCaseDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(sql, "UPDATE escalation_cases"):
		r, ok := f.rows[args[0].(string)]
		if !ok || r[4] != "PENDING" {
			return fakeRow{err: pgx.ErrNoRows}
		}
		reviewer := args[2].(string)
		decided := args[3].(time.Time)
		r[4], r[5], r[9] = args[1], &reviewer, &decided
		return fakeRow{vals: append([]any(nil), r...)}
	case strings.Contains(sql, "WHERE request_id=$1"):
		for _, r := range f.rows {
			if r[1] == args[0] {
				return fakeRow{vals: append([]any(nil), r...)}
			}
		}
	case strings.Contains(sql, "WHERE case_id=$1"):
		if r, ok := f.rows[args[0].(string)]; ok {
			return fakeRow{vals: append([]any(nil), r...)}
		}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeCaseDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]any
	for _, r := range f.rows {
		if r[4] == "PENDING" {
			out = append(out, append([]any(nil), r...))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][8].(time.Time).Before(out[j][8].(time.Time)) })
	if limit := args[0].(int); len(out) > limit {
		out = out[:limit]
	}
	return &fakeRows{rows: out, idx: -1}, nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.vals, dest)
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
func (r *fakeRows) Scan(dest ...any) error                       { return assign(r.rows[r.idx], dest) }

func assign(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(row))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *[]byte:
			*p = row[i].([]byte)
		case **string:
			*p = row[i].(*string)
		case *time.Time:
			*p = row[i].(time.Time)
		case **time.Time:
			*p = row[i].(*time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", d)
		}
	}
	return nil
}
