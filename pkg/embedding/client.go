package embedding

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

// ErrUnavailable wraps every provider failure: transport, status, timeout or an
// unusable response body.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider turns text into a dense vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// ClientOptions configures an OpenAI-compatible embeddings endpoint.
type ClientOptions struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
	Retry   retry.Policy
	HTTP    *http.Client
}

// Client calls POST {URL} with {input, model} and reads data[0].embedding.
type Client struct {
	url     string
	apiKey  string
	model   string
	timeout time.Duration
	retry   retry.Policy
	http    *http.Client
}

func NewClient(opts ClientOptions) *Client {
	client := opts.HTTP
	if client == nil {
		client = &http.Client{}
	}
	policy := opts.Retry
	if policy.Attempts <= 0 {
		policy = retry.Policy{Attempts: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	}
	return &Client{
		url:     strings.TrimSpace(opts.URL),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		timeout: opts.Timeout,
		retry:   policy,
		http:    client,
	}
}

// Model is the model name sent with every request.
func (c *Client) Model() string { return c.model }

type embedRequest struct {
	Input string `json:"input"`
	Model string `json:"model,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: no endpoint configured", ErrUnavailable)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	body, err := json.Marshal(embedRequest{Input: text, Model: c.model})
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.http, httpx.Request{
		Method:  http.MethodPost,
		URL:     c.url,
		Body:    body,
		Headers: headers,
	}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	var out embedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrUnavailable)
	}
	return out.Data[0].Embedding, nil
}
