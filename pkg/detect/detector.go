// Package detect runs the content pre-check and post-check. Scanning is CPU
// bound, so it runs on a bounded pool and every call carries a deadline; a
// call that cannot finish in time fails with ErrTimeout and callers refuse the
// request.
package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"guardrail/pkg/circuit"
	"guardrail/pkg/models"
	"guardrail/pkg/rules"
)

var ErrTimeout = errors.New("detection timed out")

const (
	StagePre  = "pre"
	StagePost = "post"

	// ClassifierCircuit is the breaker key guarding the external classifier.
	ClassifierCircuit = "detector"

	degradedClassifier = "classifier_unavailable"
)

// Context carries request attributes that influence detection.
type Context struct {
	Stage     string
	Feature   string
	TrustTier models.TrustTier
}

// Metrics receives detection measurements. Implemented by pkg/metrics.
type Metrics interface {
	ObserveDetection(stage string, cached bool, d time.Duration)
	DetectionCache(hit bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDetection(string, bool, time.Duration) {}
func (noopMetrics) DetectionCache(bool)                         {}

type Options struct {
	Timeout          time.Duration
	Workers          int
	CacheSize        int
	CacheTTL         time.Duration
	EntropyThreshold float64
	EntropyMinToken  int
}

type Detector struct {
	reg        *rules.Registry
	policy     rules.Policy
	opts       Options
	cache      *expirable.LRU[string, models.DetectionResult]
	pool       *semaphore.Weighted
	classifier Classifier
	breakers   *circuit.Registry
	metrics    Metrics
	logger     *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

type Option func(*Detector)

// WithClassifier adds an external classifier guarded by the given breakers.
func WithClassifier(c Classifier, breakers *circuit.Registry) Option {
	return func(d *Detector) {
		d.classifier = c
		d.breakers = breakers
	}
}

func WithMetrics(m Metrics) Option {
	return func(d *Detector) {
		if m != nil {
			d.metrics = m
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

func New(reg *rules.Registry, policy rules.Policy, opts Options, options ...Option) (*Detector, error) {
	if reg == nil {
		return nil, errors.New("detect: nil rule registry")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 250 * time.Millisecond
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.EntropyThreshold <= 0 {
		opts.EntropyThreshold = 4.0
	}
	if opts.EntropyMinToken <= 0 {
		opts.EntropyMinToken = 16
	}
	d := &Detector{
		reg:     reg,
		policy:  policy,
		opts:    opts,
		cache:   expirable.NewLRU[string, models.DetectionResult](opts.CacheSize, nil, opts.CacheTTL),
		pool:    semaphore.NewWeighted(int64(opts.Workers)),
		metrics: noopMetrics{},
		logger:  zap.NewNop(),
	}
	for _, o := range options {
		o(d)
	}
	if d.classifier != nil && d.breakers == nil {
		return nil, errors.New("detect: classifier requires a circuit registry")
	}
	return d, nil
}

// Detect scans text and returns the detection result. It returns ErrTimeout
// when the deadline passes before the scan completes; callers must treat that
// as a refusal.
func (d *Detector) Detect(ctx context.Context, text string, dc Context) (models.DetectionResult, error) {
	start := time.Now()
	stage := dc.Stage
	if stage == "" {
		stage = StagePre
	}
	key := d.cacheKey(stage, text)
	if res, ok := d.cache.Get(key); ok {
		d.hits.Add(1)
		d.metrics.DetectionCache(true)
		res.Cached = true
		res.LatencyMS = msSince(start)
		d.metrics.ObserveDetection(stage, true, time.Since(start))
		return res, nil
	}
	d.misses.Add(1)
	d.metrics.DetectionCache(false)

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	res, err := d.scanBounded(ctx, text)
	if err != nil {
		return models.DetectionResult{}, err
	}
	if d.classifier != nil && stage == StagePre {
		d.classify(ctx, text, dc, &res)
		if ctx.Err() != nil {
			return models.DetectionResult{}, fmt.Errorf("%w: classifier: %v", ErrTimeout, ctx.Err())
		}
	}
	res.Action = d.policy.Decide(res.Severity, perCategory(res.Matches))
	if len(res.Degraded) > 0 {
		res.Action = models.MaxAction(res.Action, d.policy.MostSevere(rules.CategoryClassifier))
	}
	res.RulesetVersion = d.reg.Version()
	res.LatencyMS = msSince(start)

	// Degraded results reflect an outage, not the text, and must not outlive it.
	if len(res.Degraded) == 0 {
		d.cache.Add(key, res)
	}
	d.metrics.ObserveDetection(stage, false, time.Since(start))
	return res, nil
}

// scanBounded runs the rule and entropy scan on the worker pool. A scan that
// outlives its deadline keeps its pool slot until it finishes, so a flood of
// pathological inputs cannot grow CPU usage beyond the pool size.
func (d *Detector) scanBounded(ctx context.Context, text string) (models.DetectionResult, error) {
	if err := d.pool.Acquire(ctx, 1); err != nil {
		return models.DetectionResult{}, fmt.Errorf("%w: waiting for detector pool: %v", ErrTimeout, err)
	}
	done := make(chan models.DetectionResult, 1)
	go func() {
		defer d.pool.Release(1)
		done <- d.scan(text)
	}()
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return models.DetectionResult{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func (d *Detector) scan(text string) models.DetectionResult {
	matches := d.reg.Scan(text)
	matches = append(matches, entropyMatches(text, d.opts.EntropyMinToken, d.opts.EntropyThreshold)...)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return summarize(matches, shannon(text))
}

func summarize(matches []models.Match, entropy float64) models.DetectionResult {
	res := models.DetectionResult{
		MatchedPatterns: []string{},
		Matches:         matches,
		Severity:        models.SeverityNone,
		Entropy:         entropy,
	}
	seenPattern := map[string]bool{}
	seenCategory := map[string]bool{}
	for _, m := range matches {
		if !seenPattern[m.PatternID] {
			seenPattern[m.PatternID] = true
			res.MatchedPatterns = append(res.MatchedPatterns, m.PatternID)
		}
		if !seenCategory[m.Category] {
			seenCategory[m.Category] = true
			res.Categories = append(res.Categories, m.Category)
		}
		res.Severity = models.MaxSeverity(res.Severity, m.Severity)
	}
	sort.Strings(res.Categories)
	if len(res.Categories) >= 3 {
		res.Severity = res.Severity.Raise()
	}
	return res
}

func (d *Detector) classify(ctx context.Context, text string, dc Context, res *models.DetectionResult) {
	var verdict Verdict
	err := d.breakers.Execute(ctx, ClassifierCircuit, func(ctx context.Context) error {
		var cerr error
		verdict, cerr = d.classifier.Classify(ctx, text, dc)
		return cerr
	})
	if err != nil {
		d.logger.Warn("classifier unavailable, applying most severe action", zap.Error(err))
		res.Degraded = append(res.Degraded, degradedClassifier)
		return
	}
	if !verdict.Flagged {
		return
	}
	extra := make([]models.Match, 0, len(verdict.Labels))
	for _, label := range verdict.Labels {
		cat := rules.Category(strings.ToLower(label))
		if !cat.Known() {
			cat = rules.CategoryClassifier
		}
		extra = append(extra, models.Match{PatternID: "classifier:" + label, Category: string(cat), Severity: verdict.Severity, Start: 0, End: 0})
	}
	if len(extra) == 0 {
		extra = append(extra, models.Match{PatternID: "classifier", Category: string(rules.CategoryClassifier), Severity: verdict.Severity})
	}
	merged := summarize(append(res.Matches, extra...), res.Entropy)
	res.MatchedPatterns = merged.MatchedPatterns
	res.Matches = merged.Matches
	res.Categories = merged.Categories
	res.Severity = merged.Severity
}

func perCategory(matches []models.Match) map[string]models.Severity {
	out := make(map[string]models.Severity, len(matches))
	for _, m := range matches {
		out[m.Category] = models.MaxSeverity(out[m.Category], m.Severity)
	}
	return out
}

func (d *Detector) cacheKey(stage, text string) string {
	h := sha256.New()
	h.Write([]byte(d.reg.Version()))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(d.policy.Names(), ",")))
	h.Write([]byte{0})
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// CacheStats returns the cumulative hit and miss counts.
func (d *Detector) CacheStats() (hits, misses uint64) {
	return d.hits.Load(), d.misses.Load()
}

func (d *Detector) RulesetVersion() string { return d.reg.Version() }

func (d *Detector) Policy() rules.Policy { return d.policy }

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
