// Package source implements the cursor-paginated client for the upstream
// read API, plus the declared schemas of the resources it serves.
package source

import (
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

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ledgerlift/ledgerlift-core/internal/retrypolicy"
)

// Record is one raw item as returned by the upstream API.
type Record map[string]any

// Page is one upstream response. An empty Items slice or an empty
// NextCursor signals end-of-data.
type Page struct {
	Items      []Record `json:"items"`
	NextCursor string   `json:"nextCursor"`
}

// Sample is the per-call observation returned alongside each fetched page.
type Sample struct {
	Latency time.Duration
	Rows    int
	Retries int
}

// ClientConfig configures the cursor client.
type ClientConfig struct {
	// BaseURL is the base URL of the upstream read API.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// RateLimit requests per second (default: 5).
	RateLimit float64

	// RateBurst maximum burst size (default: 2).
	RateBurst int

	// Headers to add to all requests.
	Headers map[string]string

	// UserAgent string (default: "ledgerlift/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// Client issues paginated reads against the upstream API. The continuation
// cursor is opaque: it is replayed verbatim from the previous response.
// Extraction through this client is strictly sequential per job, because
// each cursor depends on the prior page.
type Client struct {
	config      *ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	policy      *retrypolicy.Policy
	log         *logrus.Entry
}

// NewClient creates a cursor client with the given config and retry policy.
func NewClient(config *ClientConfig, policy *retrypolicy.Policy, log *logrus.Entry) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 5.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 2
	}
	if config.UserAgent == "" {
		config.UserAgent = "ledgerlift/1.0"
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		policy:      policy,
		log:         log,
	}
}

// FetchPage fetches one page of the given resource. Pass the cursor from
// the previous page unmodified; pass "" for the first page. Rate-limit
// responses honor the server's Retry-After hint when present, falling back
// to the policy's backoff otherwise. Exhausting the rate-limit budget
// returns *RateLimitExhausted; exhausting the network budget returns
// *TransientNetworkError. Both are fatal for the current chunk.
func (c *Client) FetchPage(ctx context.Context, resource, cursor string) (*Page, error) {
	page, _, err := c.FetchPageSample(ctx, resource, cursor)
	return page, err
}

// FetchPageSample is FetchPage plus the call's observation: wall-clock
// latency, rows returned, and how many attempts were retried before the
// page arrived. Callers aggregating per-chunk telemetry use this form.
func (c *Client) FetchPageSample(ctx context.Context, resource, cursor string) (*Page, Sample, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, Sample{}, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	page, retries, err := c.fetchWithRetry(ctx, resource, cursor)
	if err != nil {
		return nil, Sample{Latency: time.Since(start), Retries: retries}, err
	}

	return page, Sample{
		Latency: time.Since(start),
		Rows:    len(page.Items),
		Retries: retries,
	}, nil
}

func (c *Client) fetchWithRetry(ctx context.Context, resource, cursor string) (*Page, int, error) {
	netParams := c.policy.ParamsFor(retrypolicy.ClassNetwork)
	rlParams := c.policy.ParamsFor(retrypolicy.ClassRateLimit)

	retries := 0
	netAttempts := 0
	rlAttempts := 0

	for {
		page, err := c.fetchOnce(ctx, resource, cursor)
		if err == nil {
			return page, retries, nil
		}
		if ctx.Err() != nil {
			return nil, retries, ctx.Err()
		}

		var httpErr *HTTPError
		switch {
		case errors.As(err, &httpErr) && httpErr.IsRateLimited():
			rlAttempts++
			if rlAttempts >= rlParams.MaxAttempts {
				return nil, retries, &RateLimitExhausted{Attempts: rlAttempts, Err: err}
			}
			// An explicit Retry-After is authoritative, including "0"
			// (retry immediately); only an absent header falls back to
			// the policy backoff.
			delay := httpErr.RetryAfter
			if !httpErr.HasRetryAfter {
				delay = c.policy.Delay(retrypolicy.ClassRateLimit, rlAttempts)
			}
			c.log.WithFields(logrus.Fields{
				"resource": resource,
				"attempt":  rlAttempts,
				"delay":    delay.String(),
			}).Warn("rate limited by upstream, backing off")
			if err := c.policy.Sleep(ctx, delay); err != nil {
				return nil, retries, err
			}

		case isTransient(err):
			netAttempts++
			if netAttempts >= netParams.MaxAttempts {
				return nil, retries, &TransientNetworkError{Attempts: netAttempts, Err: err}
			}
			if err := c.policy.Sleep(ctx, c.policy.Delay(retrypolicy.ClassNetwork, netAttempts)); err != nil {
				return nil, retries, err
			}

		default:
			return nil, retries, err
		}
		retries++
	}
}

// fetchOnce executes a single request attempt.
func (c *Client) fetchOnce(ctx context.Context, resource, cursor string) (*Page, error) {
	fullURL := strings.TrimSuffix(c.config.BaseURL, "/") + "/" + url.PathEscape(resource)
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		retryAfter, ok := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &HTTPError{
			StatusCode:    resp.StatusCode,
			Message:       string(body),
			RetryAfter:    retryAfter,
			HasRetryAfter: ok,
		}
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return &page, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms. The
// second return distinguishes an explicit zero-delay hint from a missing
// or unparseable header.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		// A date in the past still means "retry now".
		return 0, true
	}
	return 0, false
}
