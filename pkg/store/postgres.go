package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"guardrail/pkg/config"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresPingTimeout  = 2 * time.Second
	postgresSleep        = time.Sleep
)

// NewPostgresPool opens a pool and retries until the database answers a
// ping or the configured attempts run out.
func NewPostgresPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		return nil, errors.New("database.url is empty")
	}
	if cfg.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if pcfg.ConnConfig.RuntimeParams == nil {
		pcfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	pcfg.ConnConfig.RuntimeParams["application_name"] = "guardrail"
	pcfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pcfg.MinConns = 1
	pcfg.MaxConnIdleTime = 5 * time.Minute

	retries := max(cfg.ConnectRetries, 1)
	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			postgresSleep(cfg.RetryDelay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, pcfg)
		if err != nil {
			lastErr = err
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid database url: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("database.require_tls=true but sslmode=%q is insecure", sslmode)
	default:
		return errors.New("database.require_tls=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}
