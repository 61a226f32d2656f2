package suspension

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

type suspensionRow struct {
	reason  string
	expires *time.Time
}

// fakeDB applies the same expiry predicate as the SQL query.
type fakeDB struct {
	rows map[string]suspensionRow
	err  error
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if f.err != nil {
		return fakeRow{err: f.err}
	}
	r, ok := f.rows[args[0].(string)]
	now := args[1].(time.Time)
	if !ok || (r.expires != nil && !r.expires.After(now)) {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{row: r}
}

type fakeRow struct {
	row suspensionRow
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.row.reason
	*dest[1].(**time.Time) = r.row.expires
	return nil
}

func TestCheck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	db := &fakeDB{rows: map[string]suspensionRow{
		"banned":  {reason: "abuse"},
		"expired": {reason: "spam", expires: &past},
		"timeout": {reason: "velocity", expires: &future},
	}}
	c := NewChecker(db, time.Second)
	c.now = func() time.Time { return now }

	cases := []struct {
		user      string
		suspended bool
		reason    string
	}{
		{"banned", true, "abuse"},
		{"expired", false, ""},
		{"timeout", true, "velocity"},
		{"clean", false, ""},
	}
	for _, tc := range cases {
		st, err := c.Check(context.Background(), tc.user)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.user, err)
		}
		if st.Suspended != tc.suspended || st.Reason != tc.reason {
			t.Fatalf("%s: got %+v", tc.user, st)
		}
	}
}

func TestCheckReportsOutage(t *testing.T) {
	c := NewChecker(&fakeDB{err: errors.New("conn refused")}, 0)
	if _, err := c.Check(context.Background(), "u"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var nilChecker *Checker
	if _, err := nilChecker.Check(context.Background(), "u"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for nil checker, got %v", err)
	}
}
