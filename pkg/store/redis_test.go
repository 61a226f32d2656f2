package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"guardrail/pkg/config"
)

func TestNewRedisPingsServer(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client, err := NewRedis(context.Background(), config.RedisConfig{Addr: mr.Addr(), OpTimeout: time.Second})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestNewRedisFailures(t *testing.T) {
	orig := redisPingTimeout
	redisPingTimeout = 50 * time.Millisecond
	defer func() { redisPingTimeout = orig }()

	if _, err := NewRedis(context.Background(), config.RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond}); err == nil {
		t.Fatal("expected ping error for unreachable redis")
	}
	_, err := NewRedis(context.Background(), config.RedisConfig{Addr: "127.0.0.1:1", RequireTLS: true})
	if err == nil || !strings.Contains(err.Error(), "require_tls") {
		t.Fatalf("expected require_tls error, got %v", err)
	}
}

func TestRedisTLSConfig(t *testing.T) {
	if cfg, err := redisTLSConfig(config.RedisConfig{}); err != nil || cfg != nil {
		t.Fatalf("expected nil TLS config when disabled, got %v %v", cfg, err)
	}

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, mustCreateSelfSignedPEM(t), 0o600); err != nil {
		t.Fatalf("write ca file: %v", err)
	}
	cfg, err := redisTLSConfig(config.RedisConfig{TLS: true, TLSCAFile: caPath})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil || cfg.MinVersion != tls.VersionTLS12 || cfg.InsecureSkipVerify {
		t.Fatalf("unexpected tls config %+v", cfg)
	}

	badPath := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(badPath, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := redisTLSConfig(config.RedisConfig{TLS: true, TLSCAFile: badPath}); err == nil {
		t.Fatal("expected error for invalid CA bundle")
	}
	if _, err := redisTLSConfig(config.RedisConfig{TLS: true, TLSCAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Fatal("expected error for missing CA file")
	}
}

func mustCreateSelfSignedPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "redis-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
