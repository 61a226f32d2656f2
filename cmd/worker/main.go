package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guardrail/pkg/app"
	"guardrail/pkg/config"
	"guardrail/pkg/hardening"
	"guardrail/pkg/httpx"
	"guardrail/pkg/telemetry"
)

type loadConfigFunc func(paths ...string) (*config.Config, error)
type initTelemetryFunc func(ctx context.Context, service string, logger *zap.Logger) (func(context.Context) error, error)
type buildServicesFunc func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app.ServiceContext, error)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	loadConfigG    loadConfigFunc    = config.Load
	initTelemetryG initTelemetryFunc = telemetry.Init
	buildServicesG buildServicesFunc = app.Build
	listenG        httpx.ListenFunc  = httpx.ListenAndServe
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runWorker(ctx, loadConfigG, initTelemetryG, buildServicesG, listenG); err != nil {
		logFatalf("worker: %v", err)
	}
}

func configPath() string {
	if p := os.Getenv("GUARDRAIL_CONFIG_FILE"); p != "" {
		return p
	}
	return "config.yaml"
}

func runWorker(
	ctx context.Context,
	loadConfig loadConfigFunc,
	initTelemetry initTelemetryFunc,
	buildServices buildServicesFunc,
	listen httpx.ListenFunc,
) error {
	cfg, err := loadConfig(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Worker.Name == "" {
		host, _ := os.Hostname()
		cfg.Worker.Name = "worker-" + host
	}
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format).With(zap.String("service", "worker"))
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(cfg); err != nil {
		return err
	}
	shutdown, err := initTelemetry(ctx, "worker", logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("close dependencies", zap.Error(err))
		}
	}()

	pool := svc.WorkerPool()
	server := &http.Server{
		Addr:              cfg.Worker.HealthAddr,
		Handler:           healthRoutes(svc),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker consuming",
			zap.String("stream", cfg.Queue.Stream),
			zap.String("group", cfg.Queue.Group),
			zap.String("consumer", cfg.Worker.Name),
			zap.Int("consumers", cfg.Worker.Consumers),
			zap.Int("concurrency", cfg.Worker.Concurrency))
		return pool.Run(gctx)
	})
	if cfg.Worker.HealthAddr != "" {
		g.Go(func() error {
			if err := httpx.Serve(gctx, server, listen, cfg.HTTP.ShutdownTimeout); err != nil {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

// healthRoutes serves liveness, dependency health and Prometheus metrics for
// the worker process.
func healthRoutes(svc *app.ServiceContext) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		deps := map[string]string{}
		status := http.StatusOK
		for name, check := range svc.HealthChecks() {
			deps[name] = "ok"
			if err := check(ctx); err != nil {
				deps[name] = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}
		httpx.WriteJSON(w, status, map[string]any{"service": "worker", "dependencies": deps})
	})
	r.Get("/health/circuit-breakers", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"circuits": svc.Breakers.Snapshot()})
	})
	r.Get("/queue/depth", func(w http.ResponseWriter, r *http.Request) {
		d, err := svc.Queue.Depth(r.Context())
		if err != nil {
			httpx.Error(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, d)
	})
	r.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())
	return r
}
