// Command mock-inference is a stand-in model backend for local runs and
// end-to-end tests. Markers in the input select failure modes:
//
//	[[reject]]  400, a permanent rejection
//	[[fail]]    502, a retryable upstream failure
//	[[slow]]    sleeps for MOCK_SLOW_MS before answering
//	[[leak]]    answers with a card number so the post-check blocks it
//	[[secret]]  answers with a token the post-check flags for review
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"guardrail/pkg/httpx"
	"guardrail/pkg/inference"
	"guardrail/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	listenFn  httpx.ListenFunc = httpx.ListenAndServe
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runMock(ctx, listenFn); err != nil {
		logFatalf("mock-inference: %v", err)
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

type model struct {
	name    string
	slow    time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

func (m *model) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("mock-inference"))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "mock-inference"})
	})
	r.Post("/v1/generate", m.handleGenerate)
	return r
}

func (m *model) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if m.limiter != nil && !m.limiter.Allow() {
		httpx.Error(w, http.StatusTooManyRequests, "model overloaded")
		return
	}
	var req inference.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || req.Input == "" {
		httpx.Error(w, http.StatusBadRequest, "input required")
		return
	}
	m.logger.Debug("generate", zap.String("request_id", req.RequestID), zap.String("feature", req.Feature))

	input := req.Input
	switch {
	case strings.Contains(input, "[[reject]]"):
		httpx.Error(w, http.StatusBadRequest, "input rejected by model")
		return
	case strings.Contains(input, "[[fail]]"):
		httpx.Error(w, http.StatusBadGateway, "model unavailable")
		return
	case strings.Contains(input, "[[slow]]"):
		select {
		case <-time.After(m.slow):
		case <-r.Context().Done():
			return
		}
	}

	output := "echo: " + input
	switch {
	case strings.Contains(input, "[[leak]]"):
		output = "the card on file is 4111 1111 1111 1111"
	case strings.Contains(input, "[[secret]]"):
		output = "your token is Zx9Qp2Lm7Vb4Nc8Rt1Yw6Ks3Hd5Jf0Ga"
	}
	httpx.WriteJSON(w, http.StatusOK, inference.Response{Output: output, Model: m.name})
}

func runMock(ctx context.Context, listen httpx.ListenFunc) error {
	logger := telemetry.NewLogger(env("LOG_LEVEL", "info"), env("LOG_FORMAT", "json")).With(zap.String("service", "mock-inference"))
	defer func() { _ = logger.Sync() }()

	m := &model{
		name:   env("MOCK_MODEL", "mock-1"),
		slow:   time.Duration(envInt("MOCK_SLOW_MS", 30000)) * time.Millisecond,
		logger: logger,
	}
	if rps := envInt("MOCK_RPS", 0); rps > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}

	addr := env("ADDR", ":9090")
	server := &http.Server{
		Addr:              addr,
		Handler:           m.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("mock-inference listening", zap.String("addr", addr), zap.String("model", m.name))
	return httpx.Serve(ctx, server, listen, 5*time.Second)
}
