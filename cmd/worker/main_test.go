package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"guardrail/pkg/app"
	"guardrail/pkg/config"
	"guardrail/pkg/models"
)

type okDB struct{}

func (okDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (okDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("no rows")
}

func (okDB) QueryRow(context.Context, string, ...any) pgx.Row { return oneRow{} }

type oneRow struct{}

func (oneRow) Scan(dest ...any) error {
	if p, ok := dest[0].(*int); ok {
		*p = 1
		return nil
	}
	return pgx.ErrNoRows
}

func noTelemetry(context.Context, string, *zap.Logger) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunWorkerProcessesUntilCancelled(t *testing.T) {
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":"Lisbon"}`))
	}))
	defer model.Close()
	t.Setenv("GUARDRAIL_LOG__LEVEL", "error")
	t.Setenv("GUARDRAIL_INFERENCE__URL", model.URL)
	t.Setenv("GUARDRAIL_QUEUE__BLOCK", "50ms")

	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var svc *app.ServiceContext
	done := make(chan models.Result, 1)
	build := func(_ context.Context, cfg *config.Config, logger *zap.Logger) (*app.ServiceContext, error) {
		s, err := app.New(cfg, logger, redis.NewClient(&redis.Options{Addr: mr.Addr()}), okDB{})
		if err != nil {
			return nil, err
		}
		svc = s
		msg := models.QueueMessage{Envelope: models.RequestEnvelope{
			RequestID: "req-worker-1", UserID: "alice", TrustTier: models.TierUser,
			Feature: "chat", Body: "capital of Portugal?", ReceivedAt: time.Now().UTC(),
		}}
		if _, err := s.Queue.Enqueue(context.Background(), msg); err != nil {
			return nil, err
		}
		go func() {
			defer cancel()
			for i := 0; i < 250; i++ {
				if res, err := s.Results.Get(context.Background(), "req-worker-1"); err == nil && res.Status == models.StatusCompleted {
					done <- res
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}()
		return s, nil
	}

	var health *httptest.ResponseRecorder
	listen := func(srv *http.Server) error {
		health = httptest.NewRecorder()
		srv.Handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
		return http.ErrServerClosed
	}

	if err := runWorker(ctx, config.Load, noTelemetry, build, listen); err != nil {
		t.Fatalf("runWorker: %v", err)
	}
	select {
	case res := <-done:
		if res.Output != "Lisbon" {
			t.Fatalf("unexpected output %q", res.Output)
		}
	default:
		t.Fatal("message was not processed")
	}
	if health == nil || health.Code != http.StatusOK {
		t.Fatalf("unexpected health response %+v", health)
	}
	if svc.Config.Worker.Name == "" || !strings.HasPrefix(svc.Config.Worker.Name, "worker-") {
		t.Fatalf("worker name should default from hostname, got %q", svc.Config.Worker.Name)
	}
}

func TestHealthRoutes(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := app.New(cfg, nil, redis.NewClient(&redis.Options{Addr: mr.Addr()}), okDB{})
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()
	h := healthRoutes(svc)

	for path, want := range map[string]string{
		"/health":                  `"redis":"ok"`,
		"/health/circuit-breakers": `"circuits"`,
		"/queue/depth":             `"length":0`,
		"/metrics":                 "guardrail_",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("%s: %d %s", path, rec.Code, rec.Body.String())
		}
	}

	mr.Close()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected degraded health, got %d", rec.Code)
	}
}

func TestRunWorkerErrors(t *testing.T) {
	failListen := func(*http.Server) error { return nil }
	load := func(...string) (*config.Config, error) { return nil, errors.New("bad yaml") }
	if err := runWorker(context.Background(), load, noTelemetry, nil, failListen); err == nil || !strings.Contains(err.Error(), "config:") {
		t.Fatalf("expected config error, got %v", err)
	}
	build := func(context.Context, *config.Config, *zap.Logger) (*app.ServiceContext, error) {
		return nil, errors.New("postgres: refused")
	}
	if err := runWorker(context.Background(), config.Load, noTelemetry, build, failListen); err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestMainReportsFailure(t *testing.T) {
	origFatal, origLoad := logFatalf, loadConfigG
	defer func() { logFatalf, loadConfigG = origFatal, origLoad }()
	called := false
	logFatalf = func(string, ...any) { called = true }
	loadConfigG = func(...string) (*config.Config, error) { return nil, errors.New("boom") }
	main()
	if !called {
		t.Fatal("logFatalf should be called on error")
	}
}
