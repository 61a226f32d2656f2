package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"guardrail/pkg/httpx"
	"guardrail/pkg/models"
)

// Verdict is the answer of an external content classifier.
type Verdict struct {
	Flagged  bool            `json:"flagged"`
	Labels   []string        `json:"labels"`
	Severity models.Severity `json:"severity"`
}

// Classifier is an optional model-backed detector consulted after the rules.
type Classifier interface {
	Classify(ctx context.Context, text string, dc Context) (Verdict, error)
}

var ErrClassifierStatus = errors.New("classifier returned unexpected status")

// HTTPClassifier posts {"text","feature","trust_tier"} and expects a Verdict.
type HTTPClassifier struct {
	Client   *http.Client
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string, dc Context) (Verdict, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	payload, err := json.Marshal(map[string]string{
		"text":       text,
		"feature":    dc.Feature,
		"trust_tier": string(dc.TrustTier),
	})
	if err != nil {
		return Verdict{}, err
	}
	status, body, err := httpx.RequestJSON(ctx, c.Client, http.MethodPost, c.Endpoint, payload, c.Headers, 0, 0)
	if err != nil {
		return Verdict{}, err
	}
	if status != http.StatusOK {
		return Verdict{}, fmt.Errorf("%w: %d", ErrClassifierStatus, status)
	}
	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return Verdict{}, fmt.Errorf("decode classifier verdict: %w", err)
	}
	if v.Flagged {
		if _, ok := models.ParseSeverity(string(v.Severity)); !ok || v.Severity == models.SeverityNone {
			v.Severity = models.SeverityHigh
		}
	}
	return v, nil
}
