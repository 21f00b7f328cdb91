package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantpulse/cryptogate/internal/provider"
)

// Outcome classifies the terminal result of a fetch attempt. The same
// vocabulary is used for metrics labels and the dispatcher attempt log.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeHTTP4xx     Outcome = "http_4xx"
	OutcomeHTTP429     Outcome = "http_429"
	OutcomeHTTP5xx     Outcome = "http_5xx"
	OutcomeNetworkErr  Outcome = "network_err"
	OutcomeParseErr    Outcome = "parse_err"
	OutcomeSkippedOpen Outcome = "skipped_open"
	OutcomeSkippedRate Outcome = "skipped_rate"
)

// Failure reports whether the outcome counts against the provider's
// circuit breaker. 4xx other than 429 indicates a request-side problem
// and must not open the breaker.
func (o Outcome) Failure() bool {
	switch o {
	case OutcomeTimeout, OutcomeHTTP5xx, OutcomeNetworkErr, OutcomeParseErr:
		return true
	}
	return false
}

// FetchError is the classified error for a failed upstream fetch.
type FetchError struct {
	Provider   string
	Outcome    Outcome
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s: %s (status %d)", e.Provider, e.Outcome, e.Status)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Outcome, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Response is a successful (2xx) upstream response body.
type Response struct {
	Status  int
	Body    []byte
	Header  http.Header
	Latency time.Duration
}

const maxBodyBytes = 8 << 20 // cap upstream bodies at 8 MiB

// Client issues bounded-time outbound requests with retries. All retry
// policy lives here; call sites ask the dispatcher and handle terminal
// outcomes.
type Client struct {
	http           *http.Client
	maxRetries     int
	backoffBase    time.Duration
	defaultTimeout time.Duration
	userAgent      string

	// sleep is swapped out in tests.
	sleep func(context.Context, time.Duration) error
}

// Options tune a Client. Zero values fall back to the documented defaults
// (3 attempts, 1 s backoff base, 10 s timeout).
type Options struct {
	MaxRetries     int
	BackoffBase    time.Duration
	DefaultTimeout time.Duration
	UserAgent      string
	Transport      http.RoundTripper
}

// New builds a Client with a shared transport across providers.
func New(opts Options) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "cryptogate/1.0"
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Client{
		http:           &http.Client{Transport: transport},
		maxRetries:     opts.MaxRetries,
		backoffBase:    opts.BackoffBase,
		defaultTimeout: opts.DefaultTimeout,
		userAgent:      opts.UserAgent,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Fetch executes a GET against the provider with auth injection, the
// provider timeout, and retries on transient conditions only (network
// error, timeout, 5xx). A 429 returns immediately with retry guidance;
// the dispatcher moves to the next provider. Every retry takes another
// token from the provider's bucket.
func (c *Client) Fetch(ctx context.Context, p *provider.Provider, path string, params url.Values) (*Response, error) {
	reqURL, err := c.buildURL(p, path, params)
	if err != nil {
		return nil, &FetchError{Provider: p.Spec.ID, Outcome: OutcomeNetworkErr, Err: err}
	}

	timeout := p.Spec.Timeout(c.defaultTimeout)
	var lastErr *FetchError

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			backoff := c.backoffBase * (1 << uint(attempt-2))
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, lastErr
			}
			if ok, retryAfter := p.Limiter.TryAcquire(1); !ok {
				lastErr.RetryAfter = retryAfter
				return nil, lastErr
			}
		}

		resp, ferr := c.doAttempt(ctx, p, reqURL, timeout, attempt)
		if ferr == nil {
			return resp, nil
		}
		lastErr = ferr

		switch ferr.Outcome {
		case OutcomeTimeout, OutcomeHTTP5xx, OutcomeNetworkErr:
			continue
		default:
			return nil, ferr
		}
	}
	return nil, lastErr
}

func (c *Client) doAttempt(ctx context.Context, p *provider.Provider, reqURL string, timeout time.Duration, attempt int) (*Response, *FetchError) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &FetchError{Provider: p.Spec.ID, Outcome: OutcomeNetworkErr, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if p.Spec.Auth.Mode == "header" {
		req.Header.Set(p.Spec.Auth.Name, p.Key)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)

	if err != nil {
		outcome := OutcomeNetworkErr
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			outcome = OutcomeTimeout
		}
		c.logAttempt(p, outcome, 0, latency, attempt)
		return nil, &FetchError{Provider: p.Spec.ID, Outcome: outcome, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.logAttempt(p, OutcomeNetworkErr, resp.StatusCode, latency, attempt)
		return nil, &FetchError{Provider: p.Spec.ID, Outcome: OutcomeNetworkErr, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.logAttempt(p, OutcomeOK, resp.StatusCode, latency, attempt)
		return &Response{Status: resp.StatusCode, Body: body, Header: resp.Header, Latency: latency}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logAttempt(p, OutcomeHTTP429, resp.StatusCode, latency, attempt)
		return nil, &FetchError{
			Provider:   p.Spec.ID,
			Outcome:    OutcomeHTTP429,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header),
		}
	case resp.StatusCode >= 500:
		c.logAttempt(p, OutcomeHTTP5xx, resp.StatusCode, latency, attempt)
		return nil, &FetchError{Provider: p.Spec.ID, Outcome: OutcomeHTTP5xx, Status: resp.StatusCode}
	default:
		c.logAttempt(p, OutcomeHTTP4xx, resp.StatusCode, latency, attempt)
		return nil, &FetchError{Provider: p.Spec.ID, Outcome: OutcomeHTTP4xx, Status: resp.StatusCode}
	}
}

func (c *Client) buildURL(p *provider.Provider, path string, params url.Values) (string, error) {
	base := strings.TrimRight(p.Spec.BaseURL, "/")
	u, err := url.Parse(base + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if p.Spec.Auth.Mode == "query" {
		q.Set(p.Spec.Auth.Name, p.Key)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) logAttempt(p *provider.Provider, outcome Outcome, status int, latency time.Duration, attempt int) {
	log.Debug().
		Str("provider", p.Spec.ID).
		Str("category", string(p.Spec.Category)).
		Str("outcome", string(outcome)).
		Int("status", status).
		Int64("latency_ms", latency.Milliseconds()).
		Int("attempt", attempt).
		Msg("upstream attempt")
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
