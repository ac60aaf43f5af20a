package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/httpx"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/retry"
)

// ErrUnavailable wraps transport failures, timeouts, non-2xx answers and
// responses that cannot be interpreted.
var ErrUnavailable = errors.New("inference backend unavailable")

const (
	DefaultMaxNewTokens = 256
	DefaultTemperature  = 0.2
)

// RefusalMarkers are phrases in a model answer that mean the resource was rejected.
var RefusalMarkers = []string{"restricted", "out of scope"}

// Request is the body posted to the backend.
type Request struct {
	Prompt       string          `json:"prompt"`
	Resource     json.RawMessage `json:"resource"`
	MaxNewTokens int             `json:"max_new_tokens"`
	Temperature  float64         `json:"temperature"`
}

// Result is the backend verdict. InScope is nil when the backend omitted it.
type Result struct {
	Text    string `json:"result"`
	InScope *bool  `json:"in_scope"`
}

// Allowed reports whether the verdict admits the resource: in_scope must be
// explicitly true and the answer must carry no refusal marker.
func (r Result) Allowed() bool {
	if r.InScope == nil || !*r.InScope {
		return false
	}
	lower := strings.ToLower(r.Text)
	for _, marker := range RefusalMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

// Backend is the inference surface the ml handler depends on.
type Backend interface {
	Infer(ctx context.Context, prompt string, resource json.RawMessage) (Result, error)
}

type ClientOptions struct {
	URL          string
	Timeout      time.Duration
	MaxNewTokens int
	Temperature  float64
	Retry        retry.Policy
	HTTP         *http.Client
}

type Client struct {
	url     string
	timeout time.Duration
	tokens  int
	temp    float64
	retry   retry.Policy
	http    *http.Client
}

func NewClient(opts ClientOptions) *Client {
	c := &Client{
		url:     strings.TrimSpace(opts.URL),
		timeout: opts.Timeout,
		tokens:  opts.MaxNewTokens,
		temp:    opts.Temperature,
		retry:   opts.Retry,
		http:    opts.HTTP,
	}
	if c.tokens <= 0 {
		c.tokens = DefaultMaxNewTokens
	}
	if c.temp <= 0 {
		c.temp = DefaultTemperature
	}
	if c.retry.Attempts <= 0 {
		c.retry = retry.Policy{Attempts: 1}
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

func (c *Client) Infer(ctx context.Context, prompt string, resource json.RawMessage) (Result, error) {
	if c.url == "" {
		return Result{}, fmt.Errorf("%w: no endpoint configured", ErrUnavailable)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if len(resource) == 0 {
		resource = json.RawMessage("null")
	}
	body, err := json.Marshal(Request{
		Prompt:       prompt,
		Resource:     resource,
		MaxNewTokens: c.tokens,
		Temperature:  c.temp,
	})
	if err != nil {
		return Result{}, err
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.http, httpx.Request{
		Method: http.MethodPost,
		URL:    c.url,
		Body:   body,
	}, c.retry)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if status < 200 || status > 299 {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	var out Result
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	if out.InScope == nil {
		return Result{}, fmt.Errorf("%w: response missing in_scope", ErrUnavailable)
	}
	return out, nil
}
