// Package worker consumes admitted requests from the stream, calls the
// inference backend, post-checks the output and records the outcome. A
// message is acknowledged only after its outcome is durable; anything else
// leaves it pending for redelivery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"guardrail/pkg/detect"
	"guardrail/pkg/events"
	"guardrail/pkg/inference"
	"guardrail/pkg/models"
	"guardrail/pkg/queue"
	"guardrail/pkg/rules"
	"guardrail/pkg/stream"
)

// InferenceCircuit is the breaker key guarding the model backend.
const InferenceCircuit = "inference"

const (
	ReasonContentBlocked = "CONTENT_BLOCKED"
	ReasonEscalated      = "PENDING_REVIEW"
	ReasonUpstreamReject = "UPSTREAM_REJECTED"
	ReasonMaxRetries     = "MAX_RETRIES_EXCEEDED"
)

// Outcomes reported to Metrics.WorkerOutcome.
const (
	OutcomeCompleted  = "completed"
	OutcomeDenied     = "denied"
	OutcomeEscalated  = "escalated"
	OutcomeFailed     = "failed"
	OutcomeRetry      = "retry"
	OutcomeDuplicate  = "duplicate"
	OutcomeDeadLetter = "dead_letter"
)

type Detector interface {
	Detect(ctx context.Context, text string, dc detect.Context) (models.DetectionResult, error)
}

type Breaker interface {
	Execute(ctx context.Context, key string, fn func(context.Context) error) error
}

type ResultStore interface {
	Get(ctx context.Context, requestID string) (models.Result, error)
	Put(ctx context.Context, r models.Result) error
}

type AuditLog interface {
	Append(ctx context.Context, rec models.AuditRecord) error
}

type Escalator interface {
	Open(ctx context.Context, c models.EscalationCase) (models.EscalationCase, error)
}

type RiskRecorder interface {
	Record(ctx context.Context, userID string, sev models.Severity) (float64, error)
}

type Metrics interface {
	WorkerOutcome(outcome string)
	Decision(stage, decision string)
	Escalation(status string)
	QueueDepth(length, pending, deadLetters int64)
}

type noopMetrics struct{}

func (noopMetrics) WorkerOutcome(string)           {}
func (noopMetrics) Decision(string, string)        {}
func (noopMetrics) Escalation(string)              {}
func (noopMetrics) QueueDepth(int64, int64, int64) {}

type Options struct {
	Name             string
	Consumers        int
	Concurrency      int
	BatchSize        int64
	Block            time.Duration
	ClaimIdle        time.Duration
	MaxRetries       int64
	InferenceTimeout time.Duration
	MessageTimeout   time.Duration
	DepthInterval    time.Duration
}

func (o Options) normalized() Options {
	if o.Name == "" {
		o.Name = "worker"
	}
	if o.Consumers <= 0 {
		o.Consumers = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.Block <= 0 {
		o.Block = 2 * time.Second
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.InferenceTimeout <= 0 {
		o.InferenceTimeout = 20 * time.Second
	}
	if o.MessageTimeout < o.InferenceTimeout {
		o.MessageTimeout = o.InferenceTimeout + 10*time.Second
	}
	if o.DepthInterval <= 0 {
		o.DepthInterval = 15 * time.Second
	}
	return o
}

type Pool struct {
	Queue       queue.Consumer
	Inference   inference.Client
	Detector    Detector
	Breakers    Breaker
	Results     ResultStore
	Audit       AuditLog
	Escalations Escalator
	Risk        RiskRecorder
	Events      events.Publisher
	Metrics     Metrics
	Logger      *zap.Logger
	Options     Options

	retryBackoff time.Duration
	once         sync.Once
}

func (p *Pool) validate() error {
	switch {
	case p.Queue == nil:
		return errors.New("worker: queue required")
	case p.Inference == nil:
		return errors.New("worker: inference client required")
	case p.Detector == nil:
		return errors.New("worker: detector required")
	case p.Breakers == nil:
		return errors.New("worker: circuit breakers required")
	case p.Results == nil || p.Audit == nil || p.Escalations == nil:
		return errors.New("worker: results, audit and escalations required")
	}
	return nil
}

func (p *Pool) init() {
	p.once.Do(p.setDefaults)
}

func (p *Pool) setDefaults() {
	p.Options = p.Options.normalized()
	if p.Metrics == nil {
		p.Metrics = noopMetrics{}
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Events == nil {
		p.Events = events.Nop{}
	}
	if p.retryBackoff <= 0 {
		p.retryBackoff = 500 * time.Millisecond
	}
}

// Run consumes until ctx is cancelled, then stops reading and waits for
// in-flight messages to finish. Each consumer handles its deliveries one at
// a time in stream order; Concurrency caps the pool as a whole. In-flight
// work is not cancelled with ctx; each message is bounded by MessageTimeout
// instead.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.validate(); err != nil {
		return err
	}
	p.init()
	if err := p.Queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	sem := semaphore.NewWeighted(int64(p.Options.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Options.Consumers; i++ {
		name := fmt.Sprintf("%s-%d", p.Options.Name, i)
		g.Go(func() error {
			p.consume(gctx, name, sem)
			return nil
		})
	}
	g.Go(func() error {
		p.reportDepth(gctx)
		return nil
	})
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context, consumer string, sem *semaphore.Weighted) {
	log := p.Logger.With(zap.String("consumer", consumer))
	for ctx.Err() == nil {
		batch, err := p.next(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("stream read failed", zap.Error(err))
			sleepCtx(ctx, p.retryBackoff)
			continue
		}
		for _, d := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Not started: stays pending and is reclaimed later.
				return
			}
			p.handleOne(ctx, d)
			sem.Release(1)
		}
	}
}

func (p *Pool) handleOne(ctx context.Context, d queue.Delivery) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Options.MessageTimeout)
	defer cancel()
	p.Handle(mctx, d)
}

// next prefers reclaiming messages abandoned by dead consumers over new ones.
func (p *Pool) next(ctx context.Context, consumer string) ([]queue.Delivery, error) {
	claimed, err := p.Queue.Claim(ctx, consumer, p.Options.ClaimIdle, p.Options.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if len(claimed) > 0 {
		return claimed, nil
	}
	return p.Queue.Read(ctx, consumer, p.Options.BatchSize, p.Options.Block)
}

func (p *Pool) reportDepth(ctx context.Context) {
	t := time.NewTicker(p.Options.DepthInterval)
	defer t.Stop()
	for {
		if d, err := p.Queue.Depth(ctx); err == nil {
			p.Metrics.QueueDepth(d.Length, d.Pending, d.DeadLetters)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Handle processes one delivery and settles it: ack, dead-letter, or leave
// pending for redelivery.
func (p *Pool) Handle(ctx context.Context, d queue.Delivery) {
	p.init()
	log := p.Logger.With(zap.String("stream_id", d.ID), zap.Int64("attempt", d.Attempts))
	if d.DecodeErr != nil {
		log.Error("undecodable stream entry", zap.Error(d.DecodeErr))
		p.deadLetter(ctx, d, "decode: "+d.DecodeErr.Error(), log)
		return
	}
	env := d.Message.Envelope
	log = log.With(zap.String("request_id", env.RequestID))

	if res, err := p.Results.Get(ctx, env.RequestID); err == nil && (res.Status.Terminal() || res.Status == models.StatusPendingReview) {
		// Outcome already recorded by an earlier delivery that died before ack.
		p.ack(ctx, d, OutcomeDuplicate, log)
		return
	}
	if d.Attempts > p.Options.MaxRetries {
		p.exhausted(ctx, d, errors.New("delivery attempts exceeded"), log)
		return
	}

	outcome, err := p.process(ctx, d.Message)
	switch {
	case err == nil:
		p.ack(ctx, d, outcome, log)
	case errors.Is(err, inference.ErrPermanent):
		log.Warn("inference rejected request", zap.Error(err))
		if ferr := p.fail(ctx, d.Message, ReasonUpstreamReject); ferr != nil {
			log.Error("recording failure", zap.Error(ferr))
			p.Metrics.WorkerOutcome(OutcomeRetry)
			return
		}
		p.ack(ctx, d, OutcomeFailed, log)
	case d.Attempts >= p.Options.MaxRetries:
		p.exhausted(ctx, d, err, log)
	default:
		log.Warn("processing failed, leaving for redelivery", zap.Error(err))
		p.Metrics.WorkerOutcome(OutcomeRetry)
	}
}

func (p *Pool) process(ctx context.Context, msg models.QueueMessage) (string, error) {
	env := msg.Envelope
	if err := p.Results.Put(ctx, models.Result{RequestID: env.RequestID, UserID: env.UserID, Status: models.StatusProcessing}); err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}

	var resp inference.Response
	err := p.Breakers.Execute(ctx, InferenceCircuit, func(ctx context.Context) error {
		ictx, cancel := context.WithTimeout(ctx, p.Options.InferenceTimeout)
		defer cancel()
		var ierr error
		resp, ierr = p.Inference.Infer(ictx, inference.Request{
			RequestID: env.RequestID,
			UserID:    env.UserID,
			Feature:   env.Feature,
			Input:     env.Body,
		})
		return ierr
	})
	if err != nil {
		return "", fmt.Errorf("inference: %w", err)
	}

	post, err := p.Detector.Detect(ctx, resp.Output, detect.Context{Stage: detect.StagePost, Feature: env.Feature, TrustTier: env.TrustTier})
	if err != nil {
		return "", fmt.Errorf("post-check: %w", err)
	}
	return p.decide(ctx, msg, resp.Output, post)
}

func (p *Pool) decide(ctx context.Context, msg models.QueueMessage, output string, post models.DetectionResult) (string, error) {
	env := msg.Envelope
	severity := models.MaxSeverity(msg.PreCheck.Severity, post.Severity)
	rec := models.AuditRecord{
		RequestID: env.RequestID,
		Stage:     models.StageWorker,
		UserID:    env.UserID,
		Input:     env.Body,
		Severity:  severity,
		TrustTier: env.TrustTier,
	}
	result := models.Result{RequestID: env.RequestID, UserID: env.UserID}
	if post.Action == models.ActionMask {
		output = rules.Mask(output, post.Matches)
	}

	var (
		outcome string
		evt     stream.Event
	)
	switch {
	case post.Action == models.ActionBlock:
		outcome = OutcomeDenied
		rec.Decision = models.DecisionDenied
		rec.ReasonCode = ReasonContentBlocked
		result.Status = models.StatusDenied
		result.ReasonCode = ReasonContentBlocked
		evt = stream.NewEvent(events.RequestDenied, env.RequestID, map[string]any{"reason_code": ReasonContentBlocked, "stage": models.StageWorker})

	case msg.Escalate || post.Action.Escalates():
		detection := post
		if msg.PreCheck.Action.Rank() > post.Action.Rank() {
			detection = msg.PreCheck
		}
		c, err := p.Escalations.Open(ctx, models.EscalationCase{
			RequestID:   env.RequestID,
			UserID:      env.UserID,
			Detection:   detection,
			HeldOutput:  output,
			CallbackURL: env.CallbackURL,
		})
		if err != nil {
			return "", fmt.Errorf("open escalation: %w", err)
		}
		p.Metrics.Escalation(string(models.CasePending))
		outcome = OutcomeEscalated
		rec.Decision = models.DecisionEscalated
		rec.ReasonCode = ReasonEscalated
		rec.Output = output
		result.Status = models.StatusPendingReview
		result.CaseID = c.CaseID

	default:
		outcome = OutcomeCompleted
		rec.Decision = models.DecisionCompleted
		rec.Output = output
		result.Status = models.StatusCompleted
		result.Output = output
		evt = stream.NewEvent(events.RequestCompleted, env.RequestID, map[string]any{"action": post.Action})
	}

	if err := p.Audit.Append(ctx, rec); err != nil {
		return "", fmt.Errorf("audit: %w", err)
	}
	if err := p.Results.Put(ctx, result); err != nil {
		return "", fmt.Errorf("store result: %w", err)
	}
	p.Metrics.Decision(models.StageWorker, rec.Decision)
	if evt.Type != "" {
		p.publish(ctx, evt)
	}
	if p.Risk != nil && severity != models.SeverityNone && outcome != OutcomeCompleted {
		if _, err := p.Risk.Record(ctx, env.UserID, severity); err != nil {
			p.Logger.Warn("risk update failed", zap.String("request_id", env.RequestID), zap.Error(err))
		}
	}
	return outcome, nil
}

// fail records a terminal failure for the request.
func (p *Pool) fail(ctx context.Context, msg models.QueueMessage, reason string) error {
	env := msg.Envelope
	if err := p.Audit.Append(ctx, models.AuditRecord{
		RequestID:  env.RequestID,
		Stage:      models.StageWorker,
		UserID:     env.UserID,
		Input:      env.Body,
		Decision:   models.DecisionFailed,
		Severity:   msg.PreCheck.Severity,
		TrustTier:  env.TrustTier,
		ReasonCode: reason,
	}); err != nil {
		return fmt.Errorf("audit failure: %w", err)
	}
	if err := p.Results.Put(ctx, models.Result{RequestID: env.RequestID, UserID: env.UserID, Status: models.StatusFailed, ReasonCode: reason}); err != nil {
		return fmt.Errorf("store failure: %w", err)
	}
	p.Metrics.Decision(models.StageWorker, models.DecisionFailed)
	p.publish(ctx, stream.NewEvent(events.RequestFailed, env.RequestID, map[string]string{"reason_code": reason}))
	return nil
}

func (p *Pool) exhausted(ctx context.Context, d queue.Delivery, cause error, log *zap.Logger) {
	log.Error("giving up on message", zap.Error(cause))
	if err := p.fail(ctx, d.Message, ReasonMaxRetries); err != nil {
		log.Error("recording failure", zap.Error(err))
		p.Metrics.WorkerOutcome(OutcomeRetry)
		return
	}
	p.deadLetter(ctx, d, cause.Error(), log)
}

func (p *Pool) deadLetter(ctx context.Context, d queue.Delivery, reason string, log *zap.Logger) {
	if err := p.Queue.DeadLetter(ctx, d, reason); err != nil {
		log.Error("dead-letter failed", zap.Error(err))
		p.Metrics.WorkerOutcome(OutcomeRetry)
		return
	}
	p.Metrics.WorkerOutcome(OutcomeDeadLetter)
}

func (p *Pool) ack(ctx context.Context, d queue.Delivery, outcome string, log *zap.Logger) {
	if err := p.Queue.Ack(ctx, d.ID); err != nil {
		// Outcome is durable; redelivery will be recognised as a duplicate.
		log.Warn("ack failed", zap.Error(err))
	}
	p.Metrics.WorkerOutcome(outcome)
	log.Info("message settled", zap.String("outcome", outcome))
}

func (p *Pool) publish(ctx context.Context, evt stream.Event) {
	if err := p.Events.Publish(ctx, evt); err != nil {
		p.Logger.Warn("event publish failed", zap.String("type", evt.Type), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
