package telemetry

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	"go.uber.org/zap"
)

const defaultServiceName = "guardrail"

// exporterSettings mirrors the standard OTEL_* environment contract.
type exporterSettings struct {
	endpoint string
	headers  map[string]string
	timeout  time.Duration
	insecure bool
	required bool
	sampler  trace.Sampler
}

func settingsFromEnv() exporterSettings {
	return exporterSettings{
		endpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		headers:  parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		timeout:  time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		insecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		required: os.Getenv("OTEL_REQUIRED") == "true",
		sampler:  parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Init installs the global tracer provider. Without an OTLP endpoint spans are
// sampled but not exported. An exporter failure is fatal only when
// OTEL_REQUIRED=true.
func Init(ctx context.Context, serviceName string, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := settingsFromEnv()
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceNameOrDefault(serviceName)),
	))
	opts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(s.sampler)}

	if s.endpoint != "" {
		exporter, err := newExporter(ctx, s)
		switch {
		case err == nil:
			opts = append(opts, trace.WithBatcher(exporter))
		case s.required:
			return nil, err
		default:
			logger.Warn("otel exporter disabled", zap.Error(err))
		}
	}

	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, s exporterSettings) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(s.endpoint),
		otlptracehttp.WithTimeout(s.timeout),
	}
	if s.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if arg = strings.TrimSpace(arg); arg != "" {
		if val, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = min(max(val, 0), 1)
		}
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceNameOrDefault(serviceName))
}

// InstrumentClient wraps an HTTP client with the OTel transport. Outbound
// calls to the inference backend and the classifier go through it.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func serviceNameOrDefault(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultServiceName
}

func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
