// Package suspension answers whether a user is currently suspended.
package suspension

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var ErrUnavailable = errors.New("suspension lookup unavailable")

type Status struct {
	Suspended bool
	Reason    string
	ExpiresAt *time.Time
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Checker reads user_suspensions. A row whose expires_at has passed no
// longer suspends the user.
type Checker struct {
	DB      rowQuerier
	Timeout time.Duration
	now     func() time.Time
}

func NewChecker(db rowQuerier, timeout time.Duration) *Checker {
	return &Checker{DB: db, Timeout: timeout, now: time.Now}
}

func (c *Checker) Check(ctx context.Context, userID string) (Status, error) {
	if c == nil || c.DB == nil {
		return Status{}, fmt.Errorf("%w: no database", ErrUnavailable)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	var st Status
	err := c.DB.QueryRow(ctx, `
		SELECT reason, expires_at FROM user_suspensions
		WHERE user_id=$1 AND (expires_at IS NULL OR expires_at > $2)
	`, userID, now().UTC()).Scan(&st.Reason, &st.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	st.Suspended = true
	return st, nil
}
