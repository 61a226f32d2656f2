// Package inference calls the model backend. The backend is a black box that
// takes an input and returns an output.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"guardrail/pkg/httpx"
)

var (
	// ErrPermanent marks a request the backend rejected; retrying cannot help.
	ErrPermanent = errors.New("inference request rejected")
	ErrUpstream  = errors.New("inference upstream error")
)

type Request struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Feature   string `json:"feature"`
	Input     string `json:"input"`
}

type Response struct {
	Output string `json:"output"`
	Model  string `json:"model,omitempty"`
}

type Client interface {
	Infer(ctx context.Context, req Request) (Response, error)
}

type HTTPClient struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
	Timeout    time.Duration
}

func (h *HTTPClient) Infer(ctx context.Context, req Request) (Response, error) {
	if h.Endpoint == "" {
		return Response{}, errors.New("inference endpoint is empty")
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	headers := make(map[string]string, len(h.Headers)+1)
	for k, v := range h.Headers {
		headers[k] = v
	}
	headers[httpx.RequestIDHeader] = req.RequestID

	status, body, err := httpx.RequestJSON(ctx, client, http.MethodPost, h.Endpoint, payload, headers, h.Retries, h.RetryDelay)
	if err != nil {
		return Response{}, err
	}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return Response{}, fmt.Errorf("%w: status %d", ErrUpstream, status)
	case status >= 400 && status < 500:
		return Response{}, fmt.Errorf("%w: status %d", ErrPermanent, status)
	case status >= 300:
		return Response{}, fmt.Errorf("%w: status %d", ErrUpstream, status)
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	return out, nil
}
