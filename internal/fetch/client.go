// Package fetch retrieves remote payloads with bounded retries and keeps
// raw copies in an on-disk cache.
//
// The client owns retry policy: transient failures (429, 5xx, network
// errors) are retried with exponential backoff, honoring Retry-After;
// permanent HTTP statuses surface immediately. Callers only ever see the
// final outcome.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"torgi/internal/metrics"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"
)

// Logger receives client warnings. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Options controls client behavior. Zero values take documented defaults.
type Options struct {
	// Job tags every recorded HTTP metric.
	Job string

	// Timeout bounds a single attempt end to end. Default 60s.
	Timeout time.Duration

	// MaxAttempts is the per-URL attempt budget. Default 5.
	MaxAttempts int

	// BaseBackoff and MaxBackoff shape the retry delay: base doubled per
	// attempt, clamped to max. Defaults 2s and 60s.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RatePerSecond throttles outgoing requests across goroutines.
	// 0 disables throttling.
	RatePerSecond float64

	// Burst is the limiter burst size. Values below 1 become 1.
	Burst int

	// MaxConnsPerHost caps parallel connections to the source host.
	// Default 8.
	MaxConnsPerHost int

	// UserAgent overrides the default request header.
	UserAgent string
}

// Client is a retrying HTTP getter. Safe for concurrent use.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	opts    Options
	log     Logger

	// sleep is a seam so tests can observe retry delays without waiting.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New builds a Client. A nil log discards warnings.
func New(opts Options, log Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 60 * time.Second
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 8
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "torgi/1.0"
	}
	if log == nil {
		log = nopLogger{}
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &Client{
		http:    newHTTPClient(opts.Timeout, opts.MaxConnsPerHost),
		limiter: limiter,
		opts:    opts,
		log:     log,
		sleep:   sleepContext,
	}
}

// attemptResult carries everything a single attempt produced.
type attemptResult struct {
	status      int
	body        []byte
	contentType string
	retryAfter  time.Duration
	requestDur  time.Duration
	responseDur time.Duration
	size        int64
	err         error
}

// Get fetches rawURL and returns the body as UTF-8 bytes.
//
// Errors:
//   - *TransientError after the attempt budget is exhausted on 429, 5xx or
//     network failures, or when the context is canceled mid-backoff.
//   - *PermanentError on any other non-2xx status, without retrying.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
		}

		res := c.attempt(ctx, rawURL)
		metrics.RecordHTTP(c.opts.Job, res.status, res.err, res.requestDur, res.responseDur, res.size)

		if res.err == nil && res.status >= 200 && res.status < 300 {
			body, err := decodeBody(res.body, res.contentType)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
			return body, nil
		}

		if res.err == nil && !transientStatus(res.status) {
			return nil, &PermanentError{URL: rawURL, Status: res.status}
		}

		attemptErr := res.err
		if attemptErr == nil {
			attemptErr = fmt.Errorf("http status %d", res.status)
		}
		if attempt == c.opts.MaxAttempts {
			return nil, &TransientError{URL: rawURL, Status: res.status, Err: attemptErr}
		}

		wait := nextRetryDelay(res.status, res.retryAfter, attempt, c.opts.BaseBackoff, c.opts.MaxBackoff)
		c.log.Printf("warn stage=fetch url=%s attempt=%d status=%d wait=%s err=%q",
			rawURL, attempt, res.status, wait, attemptErr.Error())
		if !c.sleep(ctx, wait) {
			return nil, &TransientError{URL: rawURL, Status: res.status, Err: ctx.Err()}
		}
	}

	// Unreachable: the loop always returns by the last attempt.
	return nil, &TransientError{URL: rawURL}
}

// attempt performs one request. It never retries and never interprets the
// status; Get owns that policy.
func (c *Client) attempt(ctx context.Context, rawURL string) attemptResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return attemptResult{err: err}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	requestDur := time.Since(start)
	if err != nil {
		return attemptResult{requestDur: requestDur, err: err}
	}
	defer resp.Body.Close()

	readStart := time.Now()
	raw, readErr := io.ReadAll(resp.Body)

	res := attemptResult{
		status:      resp.StatusCode,
		body:        raw,
		contentType: resp.Header.Get("Content-Type"),
		retryAfter:  parseRetryAfter(resp.Header),
		requestDur:  requestDur,
		responseDur: time.Since(readStart),
		size:        int64(len(raw)),
	}
	// A read failure mid-body is a network error even on a 2xx status.
	res.err = readErr
	return res
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func nextRetryDelay(status int, retryAfter time.Duration, attempt int, base, max time.Duration) time.Duration {
	if status == http.StatusTooManyRequests && retryAfter > 0 {
		return retryAfter
	}

	// Exponential: base * 2^(attempt-1), clamped.
	d := base << uint(attempt-1)
	if d > max {
		d = max
	}

	// No response at all: enforce a floor to avoid tight reconnect loops.
	if status == 0 && d < 10*time.Second {
		d = 10 * time.Second
	}

	return d
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// sleepContext waits for d or until ctx is done. Returns false on cancel.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// decodeBody converts a body declared in a legacy charset to UTF-8. The
// source still serves windows-1251 on some endpoints. Bodies without a
// charset parameter, already UTF-8, or in a charset the HTML index does not
// know pass through untouched.
func decodeBody(raw []byte, contentType string) ([]byte, error) {
	if contentType == "" {
		return raw, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return raw, nil
	}
	cs := strings.ToLower(strings.TrimSpace(params["charset"]))
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return raw, nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return raw, nil
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", cs, err)
	}
	return out, nil
}

func newHTTPClient(timeout time.Duration, maxConnsPerHost int) *http.Client {
	transport := &http.Transport{
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		MaxConnsPerHost:     maxConnsPerHost,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
