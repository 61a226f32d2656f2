package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardrail/pkg/circuit"
	"guardrail/pkg/detect"
	"guardrail/pkg/escalation"
	"guardrail/pkg/inference"
	"guardrail/pkg/models"
	"guardrail/pkg/queue"
	"guardrail/pkg/results"
	"guardrail/pkg/rules"
	"guardrail/pkg/store"
)

type inferFunc func(ctx context.Context, req inference.Request) (inference.Response, error)

func (f inferFunc) Infer(ctx context.Context, req inference.Request) (inference.Response, error) {
	return f(ctx, req)
}

type memAudit struct {
	mu   sync.Mutex
	recs []models.AuditRecord
	fail atomic.Bool
}

func (m *memAudit) Append(_ context.Context, rec models.AuditRecord) error {
	if m.fail.Load() {
		return errors.New("audit db down")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.RequestID == rec.RequestID && r.Stage == rec.Stage {
			return nil
		}
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memAudit) byRequest(id string) []models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditRecord
	for _, r := range m.recs {
		if r.RequestID == id {
			out = append(out, r)
		}
	}
	return out
}

// memCases is an in-memory escalation.Cases.
type memCases struct {
	mu    sync.Mutex
	cases map[string]models.EscalationCase
}

func (m *memCases) Create(_ context.Context, c models.EscalationCase) (models.EscalationCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.cases {
		if existing.RequestID == c.RequestID {
			return existing, nil
		}
	}
	c.CaseID = "case-" + c.RequestID
	c.Status = models.CasePending
	c.CreatedAt = time.Now()
	m.cases[c.CaseID] = c
	return c, nil
}

func (m *memCases) Get(_ context.Context, id string) (models.EscalationCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return c, escalation.ErrNotFound
	}
	return c, nil
}

func (m *memCases) ListPending(context.Context, int) ([]models.EscalationCase, error) {
	return nil, nil
}

func (m *memCases) Decide(_ context.Context, id string, to models.CaseStatus, reviewer string) (models.EscalationCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return c, escalation.ErrNotFound
	}
	if c.Status != models.CasePending {
		return c, escalation.ErrAlreadyDecided
	}
	now := time.Now()
	c.Status, c.ReviewerID, c.DecidedAt = to, reviewer, &now
	m.cases[id] = c
	return c, nil
}

type harness struct {
	pool     *Pool
	q        *queue.Stream
	mr       *miniredis.Miniredis
	audit    *memAudit
	results  *results.Store
	review   *escalation.Service
	breakers *circuit.Registry
	calls    atomic.Int32
	output   atomic.Value
	inferErr atomic.Value
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.New(client, queue.Config{Stream: "req", Group: "workers"})
	require.NoError(t, err)
	require.NoError(t, q.EnsureGroup(context.Background()))

	pol, err := rules.ResolvePolicy("balanced")
	require.NoError(t, err)
	det, err := detect.New(rules.Default(), pol, detect.Options{Timeout: time.Second})
	require.NoError(t, err)

	h := &harness{
		q:        q,
		mr:       mr,
		audit:    &memAudit{},
		results:  results.NewStore(store.NewMemoryCache(), time.Hour),
		breakers: circuit.NewRegistry(circuit.Config{FailureThreshold: 3, Cooldown: time.Minute}),
	}
	h.breakers.IsSuccess = func(err error) bool { return err == nil || errors.Is(err, inference.ErrPermanent) }
	h.output.Store("the weather will be sunny")
	h.review = &escalation.Service{
		Cases:   &memCases{cases: map[string]models.EscalationCase{}},
		Results: h.results,
		Audit:   h.audit,
	}
	h.pool = &Pool{
		Queue: q,
		Inference: inferFunc(func(_ context.Context, req inference.Request) (inference.Response, error) {
			h.calls.Add(1)
			if v, ok := h.inferErr.Load().(error); ok && v != nil {
				return inference.Response{}, v
			}
			return inference.Response{Output: h.output.Load().(string)}, nil
		}),
		Detector:    det,
		Breakers:    h.breakers,
		Results:     h.results,
		Audit:       h.audit,
		Escalations: h.review,
		Options:     Options{Name: "t", MaxRetries: 3, BatchSize: 8, Block: 50 * time.Millisecond, ClaimIdle: time.Minute, DepthInterval: time.Hour},
	}
	return h
}

func (h *harness) setInferErr(err error) {
	h.inferErr.Store(err)
}

func message(id string) models.QueueMessage {
	return models.QueueMessage{
		Envelope: models.RequestEnvelope{
			RequestID: id,
			UserID:    "alice",
			TrustTier: models.TierUser,
			Feature:   "chat",
			Body:      "what is the weather tomorrow?",
		},
		PreCheck: models.DetectionResult{Action: models.ActionAllow, Severity: models.SeverityNone},
	}
}

func (h *harness) deliver(t *testing.T, msg models.QueueMessage) queue.Delivery {
	t.Helper()
	ctx := context.Background()
	_, err := h.q.Enqueue(ctx, msg)
	require.NoError(t, err)
	ds, err := h.q.Read(ctx, "t-0", 1, 0)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func (h *harness) pending(t *testing.T) int64 {
	t.Helper()
	d, err := h.q.Depth(context.Background())
	require.NoError(t, err)
	return d.Pending
}

func (h *harness) result(t *testing.T, id string) models.Result {
	t.Helper()
	r, err := h.results.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestCleanRequestCompletes(t *testing.T) {
	h := newHarness(t)
	h.pool.Handle(context.Background(), h.deliver(t, message("r1")))

	r := h.result(t, "r1")
	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, "the weather will be sunny", r.Output)
	assert.Equal(t, int64(0), h.pending(t))
	recs := h.audit.byRequest("r1")
	require.Len(t, recs, 1)
	assert.Equal(t, models.DecisionCompleted, recs[0].Decision)
	assert.Equal(t, models.StageWorker, recs[0].Stage)
}

func TestBlockedOutputIsWithheld(t *testing.T) {
	h := newHarness(t)
	h.output.Store("sure, use card 4111 1111 1111 1111")
	h.pool.Handle(context.Background(), h.deliver(t, message("r2")))

	r := h.result(t, "r2")
	assert.Equal(t, models.StatusDenied, r.Status)
	assert.Empty(t, r.Output)
	assert.Equal(t, ReasonContentBlocked, r.ReasonCode)
	assert.Equal(t, int64(0), h.pending(t))
	assert.Equal(t, models.DecisionDenied, h.audit.byRequest("r2")[0].Decision)
}

func TestMaskedOutput(t *testing.T) {
	h := newHarness(t)
	h.output.Store("write to ana@example.org")
	h.pool.Handle(context.Background(), h.deliver(t, message("r3")))

	r := h.result(t, "r3")
	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, "write to [MASKED:pii_email]", r.Output)
}

func TestEscalationHoldsOutputUntilApproved(t *testing.T) {
	h := newHarness(t)
	msg := message("r4")
	msg.Escalate = true
	msg.PreCheck = models.DetectionResult{Action: models.ActionAsk, Severity: models.SeverityHigh, Categories: []string{"prompt_injection"}}
	h.pool.Handle(context.Background(), h.deliver(t, msg))

	r := h.result(t, "r4")
	assert.Equal(t, models.StatusPendingReview, r.Status)
	assert.Empty(t, r.Output, "held output must not be visible before review")
	require.NotEmpty(t, r.CaseID)
	assert.Equal(t, int64(0), h.pending(t))
	assert.Equal(t, models.DecisionEscalated, h.audit.byRequest("r4")[0].Decision)

	c, err := h.review.Review(context.Background(), r.CaseID, escalation.DecisionApprove, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, models.CaseApproved, c.Status)
	released := h.result(t, "r4")
	assert.Equal(t, models.StatusCompleted, released.Status)
	assert.Equal(t, "the weather will be sunny", released.Output)
	assert.Len(t, h.audit.byRequest("r4"), 2)
}

func TestAuditFailureLeavesMessagePendingThenRedelivers(t *testing.T) {
	h := newHarness(t)
	h.audit.fail.Store(true)
	h.pool.Handle(context.Background(), h.deliver(t, message("r5")))
	assert.Equal(t, int64(1), h.pending(t), "message must not be acked when audit fails")
	assert.Equal(t, models.StatusProcessing, h.result(t, "r5").Status)

	h.audit.fail.Store(false)
	claimed, err := h.q.Claim(context.Background(), "t-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, int64(2), claimed[0].Attempts)
	h.pool.Handle(context.Background(), claimed[0])

	assert.Equal(t, int64(0), h.pending(t))
	assert.Equal(t, models.StatusCompleted, h.result(t, "r5").Status)
	assert.Len(t, h.audit.byRequest("r5"), 1)
}

func TestPermanentInferenceErrorFailsAndAcks(t *testing.T) {
	h := newHarness(t)
	h.setInferErr(fmt.Errorf("%w: status 400", inference.ErrPermanent))
	h.pool.Handle(context.Background(), h.deliver(t, message("r6")))

	r := h.result(t, "r6")
	assert.Equal(t, models.StatusFailed, r.Status)
	assert.Equal(t, ReasonUpstreamReject, r.ReasonCode)
	assert.Equal(t, int64(0), h.pending(t))
	assert.Equal(t, circuit.Closed, h.breakers.Get(InferenceCircuit).State, "a rejected request is not a backend failure")
}

func TestRetryLimitDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.setInferErr(errors.New("connection reset"))
	d := h.deliver(t, message("r7"))
	d.Attempts = 3
	h.pool.Handle(context.Background(), d)

	depth, err := h.q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.DeadLetters)
	assert.Equal(t, int64(0), depth.Pending)
	r := h.result(t, "r7")
	assert.Equal(t, models.StatusFailed, r.Status)
	assert.Equal(t, ReasonMaxRetries, r.ReasonCode)
}

func TestOpenCircuitSkipsInference(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.breakers.RecordFailure(InferenceCircuit)
	}
	h.pool.Handle(context.Background(), h.deliver(t, message("r8")))
	assert.Equal(t, int32(0), h.calls.Load())
	assert.Equal(t, int64(1), h.pending(t))
}

func TestUndecodableEntryGoesToDeadLetter(t *testing.T) {
	h := newHarness(t)
	h.mr.XAdd("req", "*", []string{"payload", "{not json"})
	ds, err := h.q.Read(context.Background(), "t-0", 1, 0)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Error(t, ds[0].DecodeErr)

	h.pool.Handle(context.Background(), ds[0])
	depth, err := h.q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.DeadLetters)
	assert.Equal(t, int64(0), depth.Pending)
}

func TestRedeliveryOfFinishedRequestIsAckedWithoutReprocessing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.results.Put(context.Background(), models.Result{RequestID: "r9", Status: models.StatusCompleted, Output: "done"}))
	h.pool.Handle(context.Background(), h.deliver(t, message("r9")))
	assert.Equal(t, int32(0), h.calls.Load())
	assert.Equal(t, int64(0), h.pending(t))
}

func TestRunDrainsStreamAndStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.pool.Options.Consumers = 2
	h.pool.Options.Concurrency = 3
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	const n = 12
	for i := 0; i < n; i++ {
		_, err := h.q.Enqueue(context.Background(), message(fmt.Sprintf("run-%d", i)))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		for i := 0; i < n; i++ {
			r, err := h.results.Get(context.Background(), fmt.Sprintf("run-%d", i))
			if err != nil || r.Status != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, int32(n), h.calls.Load())
}

func TestRunKeepsStreamOrderPerConsumer(t *testing.T) {
	h := newHarness(t)
	h.pool.Options.Consumers = 1
	h.pool.Options.Concurrency = 4
	var mu sync.Mutex
	var order []string
	var started atomic.Int32
	h.pool.Inference = inferFunc(func(_ context.Context, req inference.Request) (inference.Response, error) {
		// Later messages finish faster, so any overlap would reorder them.
		time.Sleep(time.Duration(12-started.Add(1)) * time.Millisecond)
		mu.Lock()
		order = append(order, req.RequestID)
		mu.Unlock()
		return inference.Response{Output: "ok"}, nil
	})

	const n = 8
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("seq-%d", i)
		want = append(want, id)
		_, err := h.q.Enqueue(context.Background(), message(id))
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}

func TestRunRequiresDependencies(t *testing.T) {
	require.Error(t, (&Pool{}).Run(context.Background()))
}
