package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"guardrail/pkg/models"
)

const EnvPrefix = "GUARDRAIL_"

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Log        LogConfig        `koanf:"log"`
	HTTP       HTTPConfig       `koanf:"http"`
	Redis      RedisConfig      `koanf:"redis"`
	Database   DatabaseConfig   `koanf:"database"`
	Auth       AuthConfig       `koanf:"auth"`
	Suspension SuspensionConfig `koanf:"suspension"`
	RateLimit  RateLimitConfig  `koanf:"ratelimit"`
	Detection  DetectionConfig  `koanf:"detection"`
	Queue      QueueConfig      `koanf:"queue"`
	Worker     WorkerConfig     `koanf:"worker"`
	Inference  InferenceConfig  `koanf:"inference"`
	Circuit    CircuitConfig    `koanf:"circuit"`
	Audit      AuditConfig      `koanf:"audit"`
	Results    ResultsConfig    `koanf:"results"`
	Events     EventsConfig     `koanf:"events"`
	Escalation EscalationConfig `koanf:"escalation"`
}

type ServiceConfig struct {
	Name           string `koanf:"name"`
	Environment    string `koanf:"environment"`
	StrictSecurity bool   `koanf:"strict_security"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HTTPConfig struct {
	Addr              string        `koanf:"addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	TrustedProxies    []string      `koanf:"trusted_proxies"`
}

type RedisConfig struct {
	Addr        string        `koanf:"addr"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	TLS         bool          `koanf:"tls"`
	TLSCAFile   string        `koanf:"tls_ca_file"`
	TLSInsecure bool          `koanf:"tls_insecure"`
	RequireTLS  bool          `koanf:"require_tls"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	OpTimeout   time.Duration `koanf:"op_timeout"`
}

type DatabaseConfig struct {
	URL            string        `koanf:"url"`
	MaxConns       int           `koanf:"max_conns"`
	ConnectRetries int           `koanf:"connect_retries"`
	RetryDelay     time.Duration `koanf:"retry_delay"`
	RequireTLS     bool          `koanf:"require_tls"`
	MigrationsPath string        `koanf:"migrations_path"`
}

type AuthConfig struct {
	JWTSecret      string        `koanf:"jwt_secret"`
	Issuer         string        `koanf:"issuer"`
	Audience       string        `koanf:"audience"`
	AllowAnonymous bool          `koanf:"allow_anonymous"`
	APIKeyPrefix   string        `koanf:"api_key_prefix"`
	ReviewerRole   string        `koanf:"reviewer_role"`
	Timeout        time.Duration `koanf:"timeout"`
}

type SuspensionConfig struct {
	FailOpen bool          `koanf:"fail_open"`
	Timeout  time.Duration `koanf:"timeout"`
}

type RateLimitConfig struct {
	Backend          string        `koanf:"backend"`
	Window           time.Duration `koanf:"window"`
	AnonPerDay       int           `koanf:"anon_per_day"`
	UserPerDay       int           `koanf:"user_per_day"`
	VerifiedPerDay   int           `koanf:"verified_per_day"`
	PrivilegedPerDay int           `koanf:"privileged_per_day"`
	Timeout          time.Duration `koanf:"timeout"`
	RiskHalfLife     time.Duration `koanf:"risk_half_life"`
	IPRatePerSecond  float64       `koanf:"ip_rate_per_second"`
	IPBurst          int           `koanf:"ip_burst"`
	BlockedCIDRs     []string      `koanf:"blocked_cidrs"`
	// Features is the allowlist of feature names with their own bucket.
	Features []string `koanf:"features"`
}

type DetectionConfig struct {
	Preset            string        `koanf:"preset"`
	Compliance        []string      `koanf:"compliance"`
	RulesFile         string        `koanf:"rules_file"`
	Timeout           time.Duration `koanf:"timeout"`
	Workers           int           `koanf:"workers"`
	CacheSize         int           `koanf:"cache_size"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	EntropyThreshold  float64       `koanf:"entropy_threshold"`
	EntropyMinToken   int           `koanf:"entropy_min_token"`
	ClassifierURL     string        `koanf:"classifier_url"`
	ClassifierTimeout time.Duration `koanf:"classifier_timeout"`
}

type QueueConfig struct {
	Stream           string        `koanf:"stream"`
	DeadLetterStream string        `koanf:"dead_letter_stream"`
	Group            string        `koanf:"group"`
	BatchSize        int           `koanf:"batch_size"`
	Block            time.Duration `koanf:"block"`
	MaxLen           int64         `koanf:"max_len"`
	ClaimIdle        time.Duration `koanf:"claim_idle"`
	MaxRetries       int           `koanf:"max_retries"`
	EnqueueTimeout   time.Duration `koanf:"enqueue_timeout"`
}

type WorkerConfig struct {
	Name            string        `koanf:"name"`
	Consumers       int           `koanf:"consumers"`
	Concurrency     int           `koanf:"concurrency"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	HealthAddr      string        `koanf:"health_addr"`
}

type InferenceConfig struct {
	URL        string        `koanf:"url"`
	Timeout    time.Duration `koanf:"timeout"`
	Retries    int           `koanf:"retries"`
	RetryDelay time.Duration `koanf:"retry_delay"`
}

type CircuitConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
	MaxCooldown      time.Duration `koanf:"max_cooldown"`
}

type AuditConfig struct {
	HashSalt string        `koanf:"hash_salt"`
	Timeout  time.Duration `koanf:"timeout"`
}

type ResultsConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

type EscalationConfig struct {
	CallbackHosts        []string      `koanf:"callback_hosts"`
	CallbackAllowPrivate bool          `koanf:"callback_allow_private"`
	CallbackTimeout      time.Duration `koanf:"callback_timeout"`
}

type EventsConfig struct {
	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`
	HubBuffer    int      `koanf:"hub_buffer"`
}

func defaults() map[string]any {
	return map[string]any{
		"service.name":                 "guardrail",
		"service.environment":          "development",
		"service.strict_security":      true,
		"log.level":                    "info",
		"log.format":                   "json",
		"http.addr":                    ":8080",
		"http.read_header_timeout":     "5s",
		"http.read_timeout":            "15s",
		"http.write_timeout":           "30s",
		"http.idle_timeout":            "60s",
		"http.shutdown_timeout":        "10s",
		"http.max_body_bytes":          1 << 20,
		"redis.addr":                   "localhost:6379",
		"redis.db":                     0,
		"redis.dial_timeout":           "2s",
		"redis.op_timeout":             "500ms",
		"database.url":                 "postgres://guardrail@localhost:5432/guardrail?sslmode=disable",
		"database.max_conns":           10,
		"database.connect_retries":     30,
		"database.retry_delay":         "2s",
		"database.migrations_path":     "migrations",
		"auth.issuer":                  "guardrail",
		"auth.allow_anonymous":         true,
		"auth.api_key_prefix":          "apikey:",
		"auth.reviewer_role":           "reviewer",
		"auth.timeout":                 "300ms",
		"suspension.fail_open":         false,
		"suspension.timeout":           "300ms",
		"ratelimit.backend":            "redis",
		"ratelimit.window":             "24h",
		"ratelimit.anon_per_day":       20,
		"ratelimit.user_per_day":       1000,
		"ratelimit.verified_per_day":   10000,
		"ratelimit.privileged_per_day": 100000,
		"ratelimit.timeout":            "300ms",
		"ratelimit.risk_half_life":     "6h",
		"ratelimit.ip_rate_per_second": 20.0,
		"ratelimit.ip_burst":           40,
		"ratelimit.features":           []string{"chat", "completion", "summarize", "translate", "classify"},
		"detection.preset":             "balanced",
		"detection.timeout":            "250ms",
		"detection.workers":            4,
		"detection.cache_size":         4096,
		"detection.cache_ttl":          "10m",
		"detection.entropy_threshold":  4.0,
		"detection.entropy_min_token":  16,
		"detection.classifier_timeout": "200ms",
		"queue.stream":                 "guardrail:requests",
		"queue.dead_letter_stream":     "guardrail:requests:dlq",
		"queue.group":                  "guardrail-workers",
		"queue.batch_size":             16,
		"queue.block":                  "2s",
		"queue.max_len":                100000,
		"queue.claim_idle":             "60s",
		"queue.max_retries":            5,
		"queue.enqueue_timeout":        "500ms",
		"worker.consumers":             8,
		"worker.concurrency":           8,
		"worker.shutdown_timeout":      "30s",
		"worker.health_addr":           ":8081",
		"inference.url":                "http://localhost:9090/v1/generate",
		"inference.timeout":            "20s",
		"inference.retries":            0,
		"inference.retry_delay":        "200ms",
		"circuit.failure_threshold":    5,
		"circuit.cooldown":             "5s",
		"circuit.max_cooldown":         "2m",
		"audit.timeout":                "2s",
		"results.ttl":                  "24h",
		"events.kafka_topic":           "guardrail.events",
		"events.hub_buffer":            64,
		"escalation.callback_timeout":  "5s",
	}
}

// Load builds the config from defaults, then any YAML files that exist, then
// GUARDRAIL_ environment variables. Nested keys use a double underscore:
// GUARDRAIL_RATELIMIT__ANON_PER_DAY -> ratelimit.anon_per_day.
func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	for _, path := range configPaths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// a missing file is fine; a present but unreadable one is not
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.HTTP.CORSOrigins = splitList(cfg.HTTP.CORSOrigins)
	cfg.HTTP.TrustedProxies = splitList(cfg.HTTP.TrustedProxies)
	cfg.RateLimit.BlockedCIDRs = splitList(cfg.RateLimit.BlockedCIDRs)
	cfg.Detection.Compliance = splitList(cfg.Detection.Compliance)
	cfg.Events.KafkaBrokers = splitList(cfg.Events.KafkaBrokers)
	cfg.RateLimit.Features = splitList(cfg.RateLimit.Features)
	cfg.Escalation.CallbackHosts = splitList(cfg.Escalation.CallbackHosts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// splitList flattens comma separated entries so env values and YAML lists
// end up the same shape.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ratelimit.window must be positive"))
	}
	for name, v := range map[string]int{
		"ratelimit.anon_per_day":       c.RateLimit.AnonPerDay,
		"ratelimit.user_per_day":       c.RateLimit.UserPerDay,
		"ratelimit.verified_per_day":   c.RateLimit.VerifiedPerDay,
		"ratelimit.privileged_per_day": c.RateLimit.PrivilegedPerDay,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	switch c.RateLimit.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("ratelimit.backend %q must be redis or memory", c.RateLimit.Backend))
	}
	if len(c.RateLimit.Features) == 0 {
		errs = append(errs, errors.New("ratelimit.features must list at least one feature"))
	}
	if c.Detection.Timeout <= 0 {
		errs = append(errs, errors.New("detection.timeout must be positive"))
	}
	if c.Detection.Workers <= 0 {
		errs = append(errs, errors.New("detection.workers must be positive"))
	}
	if c.Detection.CacheSize <= 0 {
		errs = append(errs, errors.New("detection.cache_size must be positive"))
	}
	if c.Queue.Stream == "" || c.Queue.Group == "" || c.Queue.DeadLetterStream == "" {
		errs = append(errs, errors.New("queue.stream, queue.group and queue.dead_letter_stream are required"))
	}
	if c.Queue.Stream == c.Queue.DeadLetterStream {
		errs = append(errs, errors.New("queue.dead_letter_stream must differ from queue.stream"))
	}
	if c.Queue.BatchSize <= 0 || c.Queue.MaxRetries <= 0 {
		errs = append(errs, errors.New("queue.batch_size and queue.max_retries must be positive"))
	}
	if c.Worker.Consumers <= 0 || c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.consumers and worker.concurrency must be positive"))
	}
	if c.Circuit.FailureThreshold <= 0 {
		errs = append(errs, errors.New("circuit.failure_threshold must be positive"))
	}
	if c.Circuit.Cooldown <= 0 || c.Circuit.MaxCooldown < c.Circuit.Cooldown {
		errs = append(errs, errors.New("circuit.cooldown must be positive and not exceed circuit.max_cooldown"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// Tiers returns the per-tier request budget per window.
func (c RateLimitConfig) Tiers() map[models.TrustTier]int {
	return map[models.TrustTier]int{
		models.TierAnon:       c.AnonPerDay,
		models.TierUser:       c.UserPerDay,
		models.TierVerified:   c.VerifiedPerDay,
		models.TierPrivileged: c.PrivilegedPerDay,
	}
}

func (c ServiceConfig) IsProductionLike() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
