package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"guardrail/pkg/config"
)

var redisPingTimeout = 2 * time.Second

// NewRedis connects and pings. A RequireTLS config without TLS is rejected
// before dialing.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	tlsConfig, err := redisTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RequireTLS && tlsConfig == nil {
		return nil, errors.New("redis.require_tls=true but redis.tls is not enabled")
	}
	opts := &redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConfig,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.OpTimeout > 0 {
		opts.ReadTimeout = cfg.OpTimeout
		opts.WriteTimeout = cfg.OpTimeout
	}
	client := redis.NewClient(opts)
	ctxPing, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func redisTLSConfig(cfg config.RedisConfig) (*tls.Config, error) {
	if !cfg.TLS {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLSInsecure {
		out.InsecureSkipVerify = true
	}
	if cfg.TLSCAFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(cfg.TLSCAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("parse redis tls ca file: no valid certificates")
		}
		out.RootCAs = pool
	}
	return out, nil
}
