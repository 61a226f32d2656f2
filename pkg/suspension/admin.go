package suspension

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Suspend creates or replaces the suspension for userID. A nil until
// suspends indefinitely.
func Suspend(ctx context.Context, db execer, userID, reason string, until *time.Time) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user id required")
	}
	if until != nil && !until.After(time.Now()) {
		return errors.New("suspension must end in the future")
	}
	_, err := db.Exec(ctx, `
		INSERT INTO user_suspensions (user_id, reason, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at, created_at = now()
	`, userID, reason, until)
	if err != nil {
		return fmt.Errorf("suspend %s: %w", userID, err)
	}
	return nil
}

// Lift removes a suspension and reports whether one existed.
func Lift(ctx context.Context, db execer, userID string) (bool, error) {
	tag, err := db.Exec(ctx, `DELETE FROM user_suspensions WHERE user_id=$1`, userID)
	if err != nil {
		return false, fmt.Errorf("lift suspension %s: %w", userID, err)
	}
	return tag.RowsAffected() > 0, nil
}
