//go:build integration

package main

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s -run TestMigrationsAgainstPostgres ./cmd/migrator/...
func TestMigrationsAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("guardrail"),
		postgres.WithUsername("guardrail"),
		postgres.WithPassword("guardrail"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	migrations := os.DirFS("../../migrations")
	n, err := runMigrations(ctx, pool, migrations, nil)
	if err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if n < 3 {
		t.Fatalf("expected the repository migrations to apply, got %d", n)
	}

	_, err = pool.Exec(ctx, `INSERT INTO audit_records
		(request_id, stage, user_id_hash, input, output, decision, severity, trust_tier, reason_code, created_at)
		VALUES ('r1','gateway','h','','','DENIED','NONE','ANON','RATE_LIMITED', now())`)
	if err != nil {
		t.Fatalf("audit_records not usable: %v", err)
	}

	n, err = runMigrations(ctx, pool, migrations, nil)
	if err != nil || n != 0 {
		t.Fatalf("second run must be a no-op, got %d %v", n, err)
	}
}
