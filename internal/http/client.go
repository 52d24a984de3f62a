package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ligustah/csda/internal/metrics"
)

// Error kinds. Every error returned by Client wraps at most one of these.
var (
	ErrNotFound          = errors.New("http: resource not found")
	ErrForbidden         = errors.New("http: access forbidden")
	ErrUnauthorized      = errors.New("http: unauthorized")
	ErrServerError       = errors.New("http: server error")
	ErrRetriesExhausted  = errors.New("http: retry budget exhausted")
	ErrMalformedResponse = errors.New("http: malformed response")
)

// TokenSource supplies bearer tokens. Invalidate is called with the token
// that was rejected with a 401 so the next Token call fetches a new one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout for individual requests, including reading the body.
	// Default: 5m
	Timeout time.Duration

	// RetryAttempts is the maximum number of attempts per call.
	// Default: 10
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// UseHTTP2 allows HTTP/2 negotiation over TLS.
	UseHTTP2 bool

	// RequestsPerSecond paces outgoing attempts. Zero disables pacing.
	RequestsPerSecond float64

	// Tokens, when set, authenticates every request with a bearer token.
	Tokens TokenSource

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		Timeout:             5 * time.Minute,
		RetryAttempts:       10,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
		UseHTTP2:            true,
	}
}

// Client is an HTTP client for the catalog API and its file downloads.
// It is safe for concurrent use; the connection pool and token source are
// shared by every caller.
type Client struct {
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   opts.UseHTTP2,
	}
	if !opts.UseHTTP2 {
		// A non-nil empty map disables the transport's HTTP/2 upgrade.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts:    opts,
		limiter: limiter,
	}
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// GetJSON fetches url and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.Fetch(ctx, http.MethodGet, url, nil, func(r io.Reader) error {
		return decodeJSON(r, out)
	})
}

// PostJSON posts body as JSON to url and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.Fetch(ctx, http.MethodPost, url, payload, func(r io.Reader) error {
		return decodeJSON(r, out)
	})
}

// Fetch sends the request and hands the response body to consume. The call
// is retried when the request fails in transit, the server answers 5xx, 429
// or 401, or the body cannot be read to the end. An error returned by
// consume that did not come from reading the body stops the call
// immediately, so consume may be invoked more than once but must discard
// partial work when it fails.
func (c *Client) Fetch(ctx context.Context, method, url string, body []byte, consume func(io.Reader) error) error {
	var lastErr error

	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 1 {
			c.opts.Metrics.Retry()
			if err := c.backoff(ctx, attempt-1); err != nil {
				return err
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		retry, err := c.attempt(ctx, method, url, body, consume)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}

	if errors.Is(lastErr, ErrUnauthorized) {
		return fmt.Errorf("%w: still rejected after %d attempts", ErrUnauthorized, c.opts.RetryAttempts)
	}
	return fmt.Errorf("%s %s: %w after %d attempts: %v", method, url, ErrRetriesExhausted, c.opts.RetryAttempts, lastErr)
}

// attempt performs a single round trip. retry reports whether the failure
// is transient.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte, consume func(io.Reader) error) (retry bool, err error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, */*")

	var token string
	if c.opts.Tokens != nil {
		token, err = c.opts.Tokens.Token(ctx)
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.opts.Metrics.ObserveRequest(method, 0, time.Since(start).Seconds())
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, err
	}
	defer resp.Body.Close()
	c.opts.Metrics.ObserveRequest(method, resp.StatusCode, time.Since(start).Seconds())

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if c.opts.Tokens == nil {
			return false, ErrUnauthorized
		}
		c.opts.Tokens.Invalidate(token)
		return true, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return true, fmt.Errorf("%w: %s", ErrServerError, resp.Status)
	}

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return false, err
	}

	tr := &trackingReader{r: resp.Body}
	if err := consume(tr); err != nil {
		if tr.err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return true, fmt.Errorf("read body: %w", tr.err)
		}
		return false, err
	}
	return false, nil
}

// backoff waits for an exponentially increasing duration with jitter.
// retry is 1 for the first retry.
func (c *Client) backoff(ctx context.Context, retry int) error {
	timer := time.NewTimer(Backoff(c.opts.RetryBackoff, c.opts.RetryMaxBackoff, retry))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns min(base*2^(n-1), ceiling) scaled by a random factor in
// [0.5, 1.5).
func Backoff(base, ceiling time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	backoff := ceiling
	// base<<shift stays below ceiling, so it cannot overflow.
	if shift := uint(n - 1); base > 0 && shift < 63 && base < ceiling>>shift {
		backoff = base << shift
	}
	return time.Duration(float64(backoff) * (0.5 + rand.Float64()))
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

func decodeJSON(r io.Reader, out any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// trackingReader remembers the first non-EOF read error so Fetch can tell a
// broken connection apart from a failure in the consumer.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
