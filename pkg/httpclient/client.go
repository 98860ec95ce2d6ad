// Package httpclient provides the HTTP plumbing shared by LLM providers:
// a thin client with per-request timeouts, typed status errors, and vendor
// rate-limit header parsing. Retry decisions live in the provider retry
// policy; this package only reports what the server said.
package httpclient

import (
	"net/http"
	"time"
)

// RateLimitInfo carries server-reported rate limit state, used to honor
// Retry-After when computing backoff delays.
type RateLimitInfo struct {
	RetryAfter            time.Duration
	ResetTime             int64
	RequestsRemaining     int
	InputTokensRemaining  int
	OutputTokensRemaining int
}

// RateLimitHeaderParser extracts rate limit info from response headers.
type RateLimitHeaderParser func(http.Header) RateLimitInfo

// Client wraps http.Client with a header parser for the target vendor.
type Client struct {
	client       *http.Client
	headerParser RateLimitHeaderParser
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = timeout
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Do issues the request. Non-2xx responses are returned alongside a
// *StatusError carrying the status code and any parsed rate limit info; the
// caller owns closing resp.Body in both cases.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	statusErr := &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if c.headerParser != nil {
		info := c.headerParser(resp.Header)
		statusErr.RateLimit = &info
	}
	return resp, statusErr
}
