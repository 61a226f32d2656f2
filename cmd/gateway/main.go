package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

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
	if err := runGateway(ctx, loadConfigG, initTelemetryG, buildServicesG, listenG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func configPath() string {
	if p := os.Getenv("GUARDRAIL_CONFIG_FILE"); p != "" {
		return p
	}
	return "config.yaml"
}

func runGateway(
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
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format).With(zap.String("service", "gateway"))
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(cfg); err != nil {
		return err
	}
	shutdown, err := initTelemetry(ctx, "gateway", logger)
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
	gw, err := svc.Gateway()
	if err != nil {
		return err
	}
	if err := svc.Queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           gw.Routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	logger.Info("gateway listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("environment", cfg.Service.Environment),
		zap.String("preset", cfg.Detection.Preset),
		zap.String("ruleset", svc.Detector.RulesetVersion()))
	if err := httpx.Serve(ctx, server, listen, cfg.HTTP.ShutdownTimeout); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}
