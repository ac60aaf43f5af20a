package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/retry"
)

// MaxResponseBytes caps how much of an upstream body is read.
const MaxResponseBytes = 8 << 20

// Request describes one outbound JSON call.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

// StatusError is returned when an upstream keeps answering 5xx after all retries.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Status)
}

// RequestJSON performs an HTTP request with bounded retry and exponential backoff.
// Retries apply to transport errors, body read errors and 5xx responses only; a final 5xx
// is returned as status and body with a nil error so callers can map it themselves.
func RequestJSON(ctx context.Context, client *http.Client, r Request, policy retry.Policy) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	var status int
	var respBody []byte
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
		if err != nil {
			return retry.Stop(err)
		}
		if len(r.Body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range r.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		status, respBody = resp.StatusCode, body
		if resp.StatusCode >= 500 && attempt < policy.Attempts-1 {
			return &StatusError{Status: resp.StatusCode, Body: body}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return status, respBody, nil
}
