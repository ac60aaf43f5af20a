package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/httpx"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/models"
	"github.com/pradeepannepu/guardrails-as-a-service/pkg/retry"
)

// ErrUnavailable covers every way the directory can fail to answer.
var ErrUnavailable = errors.New("policy directory unavailable")

// Directory returns the policies relevant to a free-text query, most relevant first.
type Directory interface {
	Search(ctx context.Context, query string) ([]models.Policy, error)
}

type ClientOptions struct {
	URL     string
	Timeout time.Duration
	Retry   retry.Policy
	HTTP    *http.Client
}

// Client queries GET {URL}?q=<query>, which answers a JSON array of policies.
type Client struct {
	base    string
	timeout time.Duration
	retry   retry.Policy
	http    *http.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	base := strings.TrimSpace(opts.URL)
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid POLICY_SVC_URL %q", opts.URL)
	}
	c := &Client{base: base, timeout: opts.Timeout, retry: opts.Retry, http: opts.HTTP}
	if c.retry.Attempts <= 0 {
		c.retry = retry.Policy{Attempts: 1}
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c, nil
}

func (c *Client) Search(ctx context.Context, query string) ([]models.Policy, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	status, body, err := httpx.RequestJSON(ctx, c.http, httpx.Request{Method: http.MethodGet, URL: u.String()}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	var policies []models.Policy
	if err := json.Unmarshal(body, &policies); err != nil {
		return nil, fmt.Errorf("%w: decode policies: %w", ErrUnavailable, err)
	}
	return policies, nil
}
