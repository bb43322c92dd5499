// Package httpconn is a generic JSON-over-HTTP collaborator.
//
// Queries POST to {base}/query/{op}; actions POST to {base}/act/{op} with a
// dry_run query parameter. Failures are classified into the error taxonomy
// by status code.
package httpconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"signoff/internal/connector"
	"signoff/internal/domain"
)

type Options struct {
	BaseURL       string
	Token         string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	HTTPClient    *http.Client
}

type Client struct {
	name    string
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func New(name string, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("connector %s: base_url is required", name)
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("connector %s: %w", name, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		name:    name,
		base:    strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (c *Client) Query(ctx context.Context, op string, params map[string]any) (connector.Result, error) {
	return c.do(ctx, op, "/query/"+url.PathEscape(op), params)
}

func (c *Client) Act(ctx context.Context, op string, params map[string]any, dryRun bool) (connector.Result, error) {
	return c.do(ctx, op, "/act/"+url.PathEscape(op)+"?dry_run="+strconv.FormatBool(dryRun), params)
}

func (c *Client) do(ctx context.Context, op, path string, params map[string]any) (connector.Result, error) {
	opName := c.name + "." + op
	if err := c.limiter.Wait(ctx); err != nil {
		return connector.Result{}, domain.TransientNetworkError{Op: opName, Err: err}
	}
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return connector.Result{}, domain.ValidationError{Field: "params", Reason: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return connector.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return connector.Result{}, err
		}
		return connector.Result{}, domain.TransientNetworkError{Op: opName, Err: err}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if err := classify(c.name, opName, resp, data); err != nil {
		return connector.Result{}, err
	}
	res := connector.Result{Status: resp.StatusCode}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			return connector.Result{}, fmt.Errorf("%s: decode response: %w", opName, err)
		}
		res.Status = resp.StatusCode
	}
	return res, nil
}

func classify(server, op string, resp *http.Response, body []byte) error {
	status := resp.StatusCode
	switch {
	case status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return domain.RateLimitError{Op: op, RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.AuthenticationError{Server: server, Status: status}
	case status == http.StatusRequestTimeout || status >= 500:
		return domain.TransientNetworkError{Op: op, Status: status}
	default:
		return domain.ValidationError{Field: op, Reason: fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))}
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
