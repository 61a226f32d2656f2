package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func sampleDecision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "telemetry-test",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	if got := sampleDecision(parseSampler("always_off", "")); got != sdktrace.Drop {
		t.Fatalf("always_off must drop, got %v", got)
	}
	if got := sampleDecision(parseSampler("always_on", "")); got != sdktrace.RecordAndSample {
		t.Fatalf("always_on must sample, got %v", got)
	}
	if got := sampleDecision(parseSampler("traceidratio", "2")); got != sdktrace.RecordAndSample {
		t.Fatalf("ratio should clamp to 1 and sample, got %v", got)
	}
	if got := sampleDecision(parseSampler("traceidratio", "-1")); got != sdktrace.Drop {
		t.Fatalf("ratio should clamp to 0 and drop, got %v", got)
	}
	if got := sampleDecision(parseSampler("unknown", "")); got != sdktrace.RecordAndSample {
		t.Fatalf("default sampler should sample at ratio 1, got %v", got)
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	headers := parseHeaders("k1=v1, k2 = v2,broken, =bad")
	if len(headers) != 2 || headers["k1"] != "v1" || headers["k2"] != "v2" {
		t.Fatalf("unexpected headers %#v", headers)
	}
	if got := parseHeaders("   "); got != nil {
		t.Fatalf("expected nil for empty header string, got %v", got)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TELEMETRY_TEST_INT", "42")
	if got := envInt("TELEMETRY_TEST_INT", 1); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("TELEMETRY_TEST_INT", "bad")
	if got := envInt("TELEMETRY_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}

func TestInitWithoutExporterAndInstrumentClient(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "telemetry-test", zap.NewNop())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("expected instrumented client with transport")
	}
	existing := &http.Client{Transport: http.DefaultTransport}
	if InstrumentClient(existing) != existing {
		t.Fatal("expected instrumentation to mutate and return same client")
	}
}

func TestInitExporterWithCollector(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", u.Host)
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-test=1")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "1")
	t.Setenv("OTEL_REQUIRED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, "   ", nil)
	if err != nil {
		t.Fatalf("expected exporter init success, got %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	handler := HTTPMiddleware("   ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
}

func TestNewLoggerJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "json", &buf)
	logger.Info("dropped")
	logger.Warn("kept", zap.String("request_id", "r-1"))
	_ = logger.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line at warn level, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if entry["msg"] != "kept" || entry["request_id"] != "r-1" {
		t.Fatalf("unexpected entry %#v", entry)
	}
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "text", &buf)
	logger.Debug("hello")
	_ = logger.Sync()
	if !strings.Contains(buf.String(), "hello") || strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}

func TestNewExporterDeliversSpans(t *testing.T) {
	var hits atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/traces" && r.Header.Get("x-tenant") == "guardrail" {
			hits.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()
	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}

	ctx := context.Background()
	exp, err := newExporter(ctx, exporterSettings{
		endpoint: u.Host,
		headers:  map[string]string{"x-tenant": "guardrail"},
		timeout:  time.Second,
		insecure: true,
	})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	_, span := tp.Tracer("test").Start(ctx, "admission")
	span.End()
	if err := tp.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if hits.Load() == 0 {
		t.Fatal("expected the collector to receive the span")
	}
}
