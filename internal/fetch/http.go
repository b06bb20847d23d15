// Package fetch acquires raw artifacts for adapter specs: direct HTTP
// for lightweight sources and a shared rendering session pool for
// JS-rendered ones, both under per-host rate limits and circuit
// breakers.
package fetch

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/quantfeed/marketfeed/internal/resilience"
)

// HTTPOptions configures the HTTP client.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int

	// RateLimits maps host → requests per second. Hosts not listed get
	// DefaultRate.
	RateLimits  map[string]float64
	DefaultRate float64
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment:
// +20% on success (up to 2x initial), halved on 429 (down to initial/4).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive per-host rate limiter.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess nudges the rate up after a clean response.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if max := a.initialRate * 2; newRate > max {
		newRate = max
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if min := a.initialRate / 4; newRate < min {
		newRate = min
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPClient issues direct requests with per-host rate limiting and
// retry. Circuit breaking is applied by the executor before the client
// is invoked, so an open circuit never reaches the network.
type HTTPClient struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPClient creates an HTTPClient with the given options.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "marketfeed/1.0"
	}
	if opts.DefaultRate == 0 {
		opts.DefaultRate = 5
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

func (c *HTTPClient) limiterFor(host string) *AdaptiveLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.limiters[host]; ok {
		return lim
	}
	r := c.opts.DefaultRate
	if hostRate, ok := c.opts.RateLimits[host]; ok {
		r = hostRate
	}
	burst := int(r)
	if burst < 1 {
		burst = 1
	}
	lim := NewAdaptiveLimiter(rate.Limit(r), burst)
	c.limiters[host] = lim
	return lim
}

// Get fetches the URL and returns the payload normalized to UTF-8 and
// the response content type. Transient failures (timeouts, 5xx, 429,
// connection resets) are retried with backoff; 4xx client errors are
// not.
func (c *HTTPClient) Get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", eris.Wrap(err, "fetch: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	host := req.URL.Host
	lim := c.limiterFor(host)

	retryCfg := resilience.RetryConfig{
		MaxAttempts:    c.opts.MaxRetries,
		InitialBackoff: time.Second,
		OnRetry:        resilience.RetryLogger("", host),
	}

	type result struct {
		body        []byte
		contentType string
	}
	res, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (result, error) {
		if err := lim.Wait(ctx); err != nil {
			return result{}, eris.Wrap(err, "fetch: rate limiter wait")
		}

		resp, err := c.client.Do(req.Clone(ctx))
		if err != nil {
			return result{}, classifyNetError(host, err)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
			return result{}, &resilience.HTTPStatusError{Host: host, StatusCode: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK {
			return result{}, &resilience.HTTPStatusError{Host: host, StatusCode: resp.StatusCode}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return result{}, classifyNetError(host, err)
		}

		contentType := resp.Header.Get("Content-Type")
		body, err = decodeCharset(body, contentType)
		if err != nil {
			return result{}, err
		}

		lim.OnSuccess()
		return result{body: body, contentType: contentType}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return res.body, res.contentType, nil
}

func classifyNetError(host string, err error) error {
	if isTimeout(err) {
		return &resilience.TimeoutError{Host: host, Err: err}
	}
	return &resilience.ConnectionError{Host: host, Err: err}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// decodeCharset converts a payload to UTF-8 using the charset declared
// in the Content-Type header. Missing or unknown charsets pass through
// unchanged.
func decodeCharset(body []byte, contentType string) ([]byte, error) {
	if contentType == "" {
		return body, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, nil
	}
	charset, ok := params["charset"]
	if !ok || strings.EqualFold(charset, "utf-8") {
		return body, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return body, nil
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: decode charset %s", charset)
	}
	return decoded, nil
}
