package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"guardrail/pkg/config"
	"guardrail/pkg/store"
	"guardrail/pkg/telemetry"
)

// migrationLockID serialises concurrent migrator runs across replicas.
const migrationLockID = 7_240_119

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf  = log.Fatalf
	loadConfig = config.Load
	openDBFn   = func(ctx context.Context, cfg config.DatabaseConfig) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
)

func main() {
	dir := flag.String("dir", "", "migrations directory (defaults to database.migrations_path)")
	flag.Parse()

	if err := run(*dir); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func run(dir string) error {
	cfg, err := loadConfig(os.Getenv("GUARDRAIL_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if dir == "" {
		dir = cfg.Database.MigrationsPath
	}
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format).With(zap.String("service", "migrator"))
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pool, err := openDBFn(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	applied, err := runMigrations(ctx, pool, os.DirFS(dir), logger)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", zap.String("dir", dir), zap.Int("applied", applied))
	return nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// runMigrations applies every *.sql file in migrations that has not been
// recorded yet, in lexical order, each in its own transaction. A recorded
// file whose contents changed is an error: applied migrations are immutable.
func runMigrations(ctx context.Context, db migrationDB, migrations fs.FS, logger *zap.Logger) (int, error) {
	if db == nil {
		return 0, errors.New("db required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	if _, err := db.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return 0, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := db.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			logger.Warn("release migration lock", zap.Error(err))
		}
	}()

	files, err := fs.Glob(migrations, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		body, err := fs.ReadFile(migrations, name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := checksum(body)

		var recorded string
		err = db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
		switch {
		case err == nil:
			if recorded != "" && recorded != sum {
				return applied, fmt.Errorf("migration %s changed after it was applied", name)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("migration lookup: %w", err)
		}

		if err := apply(ctx, db, path.Base(name), string(body), sum); err != nil {
			return applied, err
		}
		applied++
		logger.Info("applied migration", zap.String("file", name), zap.String("checksum", sum[:12]))
	}
	return applied, nil
}

func apply(ctx context.Context, db migrationDB, name, body, sum string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, body); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, sum); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
