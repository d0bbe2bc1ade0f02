package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient builds a client with a neutralized sleep seam so retry
// tests finish instantly. The recorded delays are returned for assertions.
func newTestClient(t *testing.T, opts Options) (*Client, *[]time.Duration) {
	t.Helper()
	c := New(opts, nil)
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return true
	}
	return c, &delays
}

// TestGet_Success verifies the happy path returns the body unchanged after
// a single request.
func TestGet_Success(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, Options{Job: "test", Timeout: 5 * time.Second})
	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("body=%q", string(body))
	}
	if hits.Load() != 1 {
		t.Fatalf("requests=%d, want 1", hits.Load())
	}
}

// TestGet_RetriesTransientThenSucceeds verifies 5xx responses burn attempts
// until the source recovers.
func TestGet_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	t.Cleanup(srv.Close)

	c, delays := newTestClient(t, Options{Job: "test", Timeout: 5 * time.Second, MaxAttempts: 5})
	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if string(body) != "done" {
		t.Fatalf("body=%q, want %q", string(body), "done")
	}
	if hits.Load() != 3 {
		t.Fatalf("requests=%d, want 3", hits.Load())
	}
	if len(*delays) != 2 {
		t.Fatalf("sleeps=%d, want 2", len(*delays))
	}
}

// TestGet_PermanentStatusNotRetried verifies a 404 surfaces immediately as
// *PermanentError.
func TestGet_PermanentStatusNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	c, delays := newTestClient(t, Options{Job: "test", Timeout: 5 * time.Second, MaxAttempts: 5})
	_, err := c.Get(context.Background(), srv.URL)

	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("err=%v, want *PermanentError", err)
	}
	if perm.Status != http.StatusNotFound {
		t.Fatalf("Status=%d, want 404", perm.Status)
	}
	if hits.Load() != 1 {
		t.Fatalf("requests=%d, want 1 (no retries)", hits.Load())
	}
	if len(*delays) != 0 {
		t.Fatalf("unexpected sleeps: %v", *delays)
	}
}

// TestGet_TransientBudgetExhausted verifies a persistent 5xx exhausts the
// attempt budget and surfaces *TransientError.
func TestGet_TransientBudgetExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, Options{Job: "test", Timeout: 5 * time.Second, MaxAttempts: 2})
	_, err := c.Get(context.Background(), srv.URL)

	var tr *TransientError
	if !errors.As(err, &tr) {
		t.Fatalf("err=%v, want *TransientError", err)
	}
	if tr.Status != http.StatusInternalServerError {
		t.Fatalf("Status=%d, want 500", tr.Status)
	}
	if hits.Load() != 2 {
		t.Fatalf("requests=%d, want 2", hits.Load())
	}
}

// TestGet_RetryAfterWins verifies a 429 with Retry-After overrides the
// exponential delay.
func TestGet_RetryAfterWins(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	c, delays := newTestClient(t, Options{Job: "test", Timeout: 5 * time.Second, BaseBackoff: time.Second})
	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("body=%q", string(body))
	}
	if len(*delays) != 1 || (*delays)[0] != 7*time.Second {
		t.Fatalf("delays=%v, want [7s]", *delays)
	}
}

// TestGet_CanceledDuringBackoff verifies an interrupted backoff surfaces as
// *TransientError without burning the remaining budget.
func TestGet_CanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := New(Options{Job: "test", Timeout: 5 * time.Second, MaxAttempts: 5}, nil)
	c.sleep = func(ctx context.Context, d time.Duration) bool { return false }

	_, err := c.Get(context.Background(), srv.URL)

	var tr *TransientError
	if !errors.As(err, &tr) {
		t.Fatalf("err=%v, want *TransientError", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("requests=%d, want 1", hits.Load())
	}
}

// TestGet_TranscodesWindows1251 verifies legacy charset bodies arrive as
// UTF-8.
func TestGet_TranscodesWindows1251(t *testing.T) {
	t.Parallel()

	cp1251 := []byte{0xCF, 0xF0, 0xE8, 0xE2, 0xE5, 0xF2} // "Привет"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=windows-1251")
		_, _ = w.Write(cp1251)
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, Options{Job: "test", Timeout: 5 * time.Second})
	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if string(body) != "Привет" {
		t.Fatalf("body=%q, want %q", string(body), "Привет")
	}
}

// TestNextRetryDelay verifies exponential growth, the clamp, the 429
// override and the no-response floor.
func TestNextRetryDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		retryAfter time.Duration
		attempt    int
		base       time.Duration
		max        time.Duration
		want       time.Duration
	}{
		{name: "first_attempt", status: 500, attempt: 1, base: 2 * time.Second, max: time.Minute, want: 2 * time.Second},
		{name: "third_attempt", status: 500, attempt: 3, base: 2 * time.Second, max: time.Minute, want: 8 * time.Second},
		{name: "clamped", status: 500, attempt: 10, base: 2 * time.Second, max: time.Minute, want: time.Minute},
		{name: "retry_after_wins_on_429", status: 429, retryAfter: 7 * time.Second, attempt: 1, base: 2 * time.Second, max: time.Minute, want: 7 * time.Second},
		{name: "retry_after_ignored_off_429", status: 503, retryAfter: 7 * time.Second, attempt: 1, base: 2 * time.Second, max: time.Minute, want: 2 * time.Second},
		{name: "no_response_floor", status: 0, attempt: 1, base: 2 * time.Second, max: time.Minute, want: 10 * time.Second},
		{name: "no_response_above_floor", status: 0, attempt: 4, base: 2 * time.Second, max: time.Minute, want: 16 * time.Second},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := nextRetryDelay(tc.status, tc.retryAfter, tc.attempt, tc.base, tc.max)
			if got != tc.want {
				t.Fatalf("nextRetryDelay()=%s, want %s", got, tc.want)
			}
		})
	}
}

// TestParseRetryAfter verifies delta-seconds and HTTP-date forms.
func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	mk := func(v string) http.Header {
		h := http.Header{}
		h.Set("Retry-After", v)
		return h
	}

	if got := parseRetryAfter(http.Header{}); got != 0 {
		t.Fatalf("empty header: got %s, want 0", got)
	}
	if got := parseRetryAfter(mk("5")); got != 5*time.Second {
		t.Fatalf("delta-seconds: got %s, want 5s", got)
	}
	if got := parseRetryAfter(mk("0")); got != 0 {
		t.Fatalf("zero seconds: got %s, want 0", got)
	}
	if got := parseRetryAfter(mk("-3")); got != 0 {
		t.Fatalf("negative seconds: got %s, want 0", got)
	}
	if got := parseRetryAfter(mk("certainly not a date")); got != 0 {
		t.Fatalf("garbage: got %s, want 0", got)
	}

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(mk(future)); got <= 20*time.Second || got > 30*time.Second {
		t.Fatalf("http-date future: got %s, want ~30s", got)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(mk(past)); got != 0 {
		t.Fatalf("http-date past: got %s, want 0", got)
	}
}

// TestDecodeBody verifies charset handling falls back to the raw bytes
// everywhere except a known non-UTF-8 charset.
func TestDecodeBody(t *testing.T) {
	t.Parallel()

	cp1251 := []byte{0xCF, 0xF0, 0xE8, 0xE2, 0xE5, 0xF2}

	tests := []struct {
		name        string
		contentType string
		in          []byte
		want        string
	}{
		{name: "no_content_type", contentType: "", in: []byte("plain"), want: "plain"},
		{name: "utf8_passthrough", contentType: "application/json; charset=utf-8", in: []byte("текст"), want: "текст"},
		{name: "no_charset_param", contentType: "application/json", in: []byte("x"), want: "x"},
		{name: "unknown_charset", contentType: "text/plain; charset=x-martian", in: []byte("x"), want: "x"},
		{name: "bad_media_type", contentType: ";;;", in: []byte("x"), want: "x"},
		{name: "windows_1251", contentType: "application/json; charset=windows-1251", in: cp1251, want: "Привет"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeBody(tc.in, tc.contentType)
			if err != nil {
				t.Fatalf("decodeBody() err=%v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("decodeBody()=%q, want %q", string(got), tc.want)
			}
		})
	}
}

// TestTransientStatus pins the retry classification.
func TestTransientStatus(t *testing.T) {
	t.Parallel()

	for status, want := range map[int]bool{
		200: false,
		301: false,
		403: false,
		404: false,
		429: true,
		500: true,
		502: true,
		503: true,
	} {
		if got := transientStatus(status); got != want {
			t.Fatalf("transientStatus(%d)=%v, want %v", status, got, want)
		}
	}
}
