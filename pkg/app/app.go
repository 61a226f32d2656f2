// Package app builds the ServiceContext shared by the gateway and worker
// binaries. Every dependency is constructed once here and handed to the
// components that need it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"guardrail/pkg/audit"
	"guardrail/pkg/auth"
	"guardrail/pkg/circuit"
	"guardrail/pkg/config"
	"guardrail/pkg/detect"
	"guardrail/pkg/escalation"
	"guardrail/pkg/events"
	"guardrail/pkg/inference"
	"guardrail/pkg/metrics"
	"guardrail/pkg/queue"
	"guardrail/pkg/ratelimit"
	"guardrail/pkg/results"
	"guardrail/pkg/rules"
	"guardrail/pkg/store"
	"guardrail/pkg/stream"
	"guardrail/pkg/suspension"
	"guardrail/pkg/telemetry"
	"guardrail/pkg/worker"
)

// Database is the slice of pgxpool.Pool the stores use.
type Database interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ServiceContext struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Registry

	Redis redis.UniversalClient
	DB    Database

	Rules       *rules.Registry
	Breakers    *circuit.Registry
	Detector    *detect.Detector
	Limiter     *ratelimit.Limiter
	Risk        *ratelimit.RiskStore
	Queue       *queue.Stream
	Results     *results.Store
	Audit       *audit.Writer
	Cases       *escalation.Store
	Escalations *escalation.Service
	Suspensions *suspension.Checker
	Auth        *auth.Authenticator
	APIKeys     *auth.APIKeyStore
	Inference   inference.Client
	Hub         *stream.Hub
	Events      events.Publisher
	HTTPClient  *http.Client

	closers []func() error
}

var (
	openRedis    = func(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) { return store.NewRedis(ctx, cfg) }
	openPostgres = func(ctx context.Context, cfg config.DatabaseConfig) (Database, func(), error) {
		pool, err := store.NewPostgresPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool.Close, nil
	}
)

// Build connects to Redis and Postgres and wires every component. Both
// stores are required: the gateway fails closed without them, so there is no
// degraded startup mode.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ServiceContext, error) {
	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	db, closeDB, err := openPostgres(ctx, cfg.Database)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	svc, err := New(cfg, logger, rdb, db)
	if err != nil {
		closeDB()
		_ = rdb.Close()
		return nil, err
	}
	svc.closers = append([]func() error{rdb.Close, func() error { closeDB(); return nil }}, svc.closers...)
	return svc, nil
}

// New wires the components on top of already opened connections.
func New(cfg *config.Config, logger *zap.Logger, rdb redis.UniversalClient, db Database) (*ServiceContext, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if rdb == nil || db == nil {
		return nil, errors.New("redis and database required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ServiceContext{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics.NewRegistry(),
		Redis:      rdb,
		DB:         db,
		HTTPClient: telemetry.InstrumentClient(&http.Client{Timeout: 30 * time.Second}),
		Hub:        stream.NewHub(cfg.Events.HubBuffer),
	}
	if err := s.wireEvents(); err != nil {
		return nil, err
	}
	s.wireBreakers()
	if err := s.wireDetector(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.wireLimiter(); err != nil {
		s.Close()
		return nil, err
	}

	q, err := queue.New(rdb, queue.Config{
		Stream:           cfg.Queue.Stream,
		DeadLetterStream: cfg.Queue.DeadLetterStream,
		Group:            cfg.Queue.Group,
		MaxLen:           cfg.Queue.MaxLen,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Queue = q
	cache := store.NewRedisCache(rdb)
	s.Results = results.NewStore(cache, cfg.Results.TTL)
	s.Audit = audit.NewWriter(db, []byte(cfg.Audit.HashSalt), s.Rules)
	s.Cases = escalation.NewStore(db)
	s.Escalations = &escalation.Service{
		Cases:   s.Cases,
		Results: s.Results,
		Audit:   s.Audit,
		Risk:    s.Risk,
		Events:  s.Events,
		Dedup:   cache,
		Callbacks: escalation.CallbackPolicy{
			Hosts:        cfg.Escalation.CallbackHosts,
			AllowPrivate: cfg.Escalation.CallbackAllowPrivate,
		},
		Logger: logger.Named("escalation"),
	}
	s.Escalations.Client = telemetry.InstrumentClient(s.Escalations.Callbacks.Client(cfg.Escalation.CallbackTimeout))
	s.Suspensions = suspension.NewChecker(db, cfg.Suspension.Timeout)

	s.APIKeys = auth.NewAPIKeyStore(rdb, cfg.Auth.APIKeyPrefix)
	s.Auth = &auth.Authenticator{
		Keys:           s.APIKeys,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		Timeout:        cfg.Auth.Timeout,
	}
	if cfg.Auth.JWTSecret != "" {
		s.Auth.Tokens = auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	}
	s.Inference = &inference.HTTPClient{
		Client:     s.HTTPClient,
		Endpoint:   cfg.Inference.URL,
		Retries:    cfg.Inference.Retries,
		RetryDelay: cfg.Inference.RetryDelay,
		Timeout:    cfg.Inference.Timeout,
	}
	return s, nil
}

func (s *ServiceContext) wireEvents() error {
	fan := events.Fanout{events.HubPublisher{Hub: s.Hub}}
	if len(s.Config.Events.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: s.Config.Events.KafkaBrokers,
			Topic:   s.Config.Events.KafkaTopic,
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		fan = append(fan, kp)
		s.closers = append(s.closers, kp.Close)
	}
	s.Events = observedPublisher{next: fan, failed: s.Metrics.EventFailed}
	return nil
}

func (s *ServiceContext) wireBreakers() {
	cfg := s.Config.Circuit
	s.Breakers = circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown,
		MaxCooldown:      cfg.MaxCooldown,
	})
	// A request the backend rejected says nothing about backend health.
	s.Breakers.IsSuccess = func(err error) bool {
		return err == nil || errors.Is(err, inference.ErrPermanent)
	}
	log := s.Logger.Named("circuit")
	s.Breakers.OnStateChange = func(key string, from, to circuit.StateName) {
		s.Metrics.CircuitChanged(key, from, to)
		log.Warn("circuit state changed", zap.String("key", key), zap.String("from", string(from)), zap.String("to", string(to)))
		s.Hub.Publish(stream.NewEvent(events.CircuitChanged, "", map[string]string{
			"key": key, "from": string(from), "to": string(to),
		}))
	}
}

func (s *ServiceContext) wireDetector() error {
	cfg := s.Config.Detection
	reg := rules.Default()
	if cfg.RulesFile != "" {
		loaded, err := rules.Load(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		reg = loaded
	}
	s.Rules = reg
	policy, err := rules.ResolvePolicy(cfg.Preset, cfg.Compliance...)
	if err != nil {
		return err
	}
	opts := []detect.Option{detect.WithMetrics(s.Metrics), detect.WithLogger(s.Logger.Named("detect"))}
	if cfg.ClassifierURL != "" {
		opts = append(opts, detect.WithClassifier(&detect.HTTPClassifier{
			Client:   s.HTTPClient,
			Endpoint: cfg.ClassifierURL,
			Timeout:  cfg.ClassifierTimeout,
		}, s.Breakers))
	}
	d, err := detect.New(reg, policy, detect.Options{
		Timeout:          cfg.Timeout,
		Workers:          cfg.Workers,
		CacheSize:        cfg.CacheSize,
		CacheTTL:         cfg.CacheTTL,
		EntropyThreshold: cfg.EntropyThreshold,
		EntropyMinToken:  cfg.EntropyMinToken,
	}, opts...)
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	s.Detector = d
	return nil
}

func (s *ServiceContext) wireLimiter() error {
	cfg := s.Config.RateLimit
	guard, err := ratelimit.NewIPGuard(cfg.BlockedCIDRs, cfg.IPRatePerSecond, cfg.IPBurst)
	if err != nil {
		return err
	}
	var backend ratelimit.Backend
	switch cfg.Backend {
	case "memory":
		s.Logger.Warn("using in-memory rate limiter; limits are per process")
		backend = ratelimit.NewInMemory()
	default:
		backend = ratelimit.NewRedis(s.Redis)
	}
	s.Limiter = ratelimit.New(backend, ratelimit.Options{
		Tiers:   cfg.Tiers(),
		Window:  cfg.Window,
		Timeout: cfg.Timeout,
		IPGuard: guard,
	})
	s.Risk = ratelimit.NewRiskStore(s.Redis, cfg.RiskHalfLife)
	return nil
}

// WorkerPool returns a pool consuming the request stream with this context's
// components.
func (s *ServiceContext) WorkerPool() *worker.Pool {
	cfg := s.Config
	return &worker.Pool{
		Queue:       s.Queue,
		Inference:   s.Inference,
		Detector:    s.Detector,
		Breakers:    s.Breakers,
		Results:     s.Results,
		Audit:       s.Audit,
		Escalations: s.Escalations,
		Risk:        s.Risk,
		Events:      s.Events,
		Metrics:     s.Metrics,
		Logger:      s.Logger.Named("worker"),
		Options: worker.Options{
			Name:             cfg.Worker.Name,
			Consumers:        cfg.Worker.Consumers,
			Concurrency:      cfg.Worker.Concurrency,
			BatchSize:        int64(cfg.Queue.BatchSize),
			Block:            cfg.Queue.Block,
			ClaimIdle:        cfg.Queue.ClaimIdle,
			MaxRetries:       int64(cfg.Queue.MaxRetries),
			InferenceTimeout: cfg.Inference.Timeout,
		},
	}
}

// Close releases connections in reverse order of acquisition.
func (s *ServiceContext) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

type observedPublisher struct {
	next   events.Publisher
	failed func()
}

func (p observedPublisher) Publish(ctx context.Context, evt stream.Event) error {
	err := p.next.Publish(ctx, evt)
	if err != nil && p.failed != nil {
		p.failed()
	}
	return err
}
