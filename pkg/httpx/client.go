package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxResponseBytes caps how much of a downstream body is read.
const MaxResponseBytes = 4 << 20

var ErrResponseTooLarge = errors.New("response body exceeds limit")

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors and 5xx responses only and stop as soon
// as ctx is done.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries = max(retries, 0)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return 0, nil, fmt.Errorf("retry aborted: %w (last error: %v)", err, lastErr)
			}
		}
		status, respBody, err := doOnce(ctx, client, method, url, body, headers)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return 0, nil, err
			}
			continue
		}
		if status >= 500 && attempt < retries {
			lastErr = fmt.Errorf("upstream status %d", status)
			continue
		}
		return status, respBody, nil
	}
	return 0, nil, lastErr
}

func doOnce(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return 0, nil, err
	}
	if len(respBody) > MaxResponseBytes {
		return 0, nil, ErrResponseTooLarge
	}
	return resp.StatusCode, respBody, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
