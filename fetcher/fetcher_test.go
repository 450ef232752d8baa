package fetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/jarcoal/httpmock"
)

const pageURL = "http://shop.test/product/abc"

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (rs *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	rs.mu.Lock()
	rs.waits = append(rs.waits, d)
	rs.mu.Unlock()
	return ctx.Err()
}

func (rs *recordingSleeper) Waits() []time.Duration {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]time.Duration, len(rs.waits))
	copy(out, rs.waits)
	return out
}

type countingObserver struct {
	mu       sync.Mutex
	requests int
	retries  int
}

func (co *countingObserver) ObserveRequest(int, time.Duration) {
	co.mu.Lock()
	co.requests++
	co.mu.Unlock()
}

func (co *countingObserver) ObserveRetry(int) {
	co.mu.Lock()
	co.retries++
	co.mu.Unlock()
}

func newTestFetcher(t *testing.T, cfg *config.Config, opts ...Option) (*Fetcher, *httpmock.MockTransport, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	opts = append([]Option{WithSleep(sleeper.Sleep), WithJitter(func() time.Duration { return 0 })}, opts...)
	f, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	transport := httpmock.NewMockTransport()
	f.WithTransport(transport)
	return f, transport, sleeper
}

func TestFetchSendsBrowserHeaders(t *testing.T) {
	cfg := config.DefaultConfig()
	f, transport, _ := newTestFetcher(t, cfg)

	var got http.Header
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		got = req.Header.Clone()
		return httpmock.NewStringResponse(http.StatusOK, "<html></html>"), nil
	})

	if _, err := f.Fetch(context.Background(), pageURL); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	ua := got.Get("User-Agent")
	found := false
	for _, candidate := range cfg.UserAgents {
		if candidate == ua {
			found = true
		}
	}
	if !found {
		t.Fatalf("user agent %q not drawn from pool", ua)
	}
	if got.Get("Accept-Language") != "es-CL,es;q=0.9" {
		t.Fatalf("accept-language = %q", got.Get("Accept-Language"))
	}
	if got.Get("Referer") != "https://www.google.com/" {
		t.Fatalf("referer = %q", got.Get("Referer"))
	}
	if got.Get("Cache-Control") != "no-cache" {
		t.Fatalf("cache-control = %q", got.Get("Cache-Control"))
	}
}

func TestFetchWithBackoffStopsAfterFourRetries(t *testing.T) {
	cfg := config.DefaultConfig()
	observer := &countingObserver{}
	f, transport, sleeper := newTestFetcher(t, cfg, WithObserver(observer))
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(http.StatusTooManyRequests, "slow down"))

	result, err := f.FetchWithBackoff(context.Background(), pageURL, nil, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if got := transport.GetTotalCallCount(); got != 5 {
		t.Fatalf("total calls = %d, want 5", got)
	}
	if result.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", result.Status)
	}
	if result.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", result.Attempts)
	}
	if result.Body != nil {
		t.Fatalf("body should be nil for non-2xx, got %q", result.Body)
	}
	if len(sleeper.Waits()) != 4 || observer.retries != 4 || observer.requests != 5 {
		t.Fatalf("waits=%d retries=%d requests=%d", len(sleeper.Waits()), observer.retries, observer.requests)
	}
}

func TestFetchWithBackoffWaitsGrowAndCap(t *testing.T) {
	cfg := config.DefaultConfig()
	f, transport, sleeper := newTestFetcher(t, cfg)
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	result, err := f.Fetch(context.Background(), pageURL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.Status != http.StatusServiceUnavailable || result.Attempts != 4 {
		t.Fatalf("result = %+v, want 503 after 4 retries", result)
	}

	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second}
	waits := sleeper.Waits()
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("wait[%d] = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestBackoffCappedWithJitter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoffMax = 3 * time.Second
	f, err := New(cfg, WithJitter(func() time.Duration { return 499 * time.Millisecond }))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	if got := f.backoff(0); got != 999*time.Millisecond {
		t.Fatalf("backoff(0) = %v, want 999ms", got)
	}
	for attempt := 0; attempt < 40; attempt++ {
		if got := f.backoff(attempt); got > cfg.RetryBackoffMax {
			t.Fatalf("backoff(%d) = %v exceeds cap %v", attempt, got, cfg.RetryBackoffMax)
		}
	}
}

func TestFetchRecoversAfterRateLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	f, transport, _ := newTestFetcher(t, cfg)

	calls := 0
	transport.RegisterResponder("GET", pageURL, func(*http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusTooManyRequests, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, "<p>$1.990</p>"), nil
	})

	result, err := f.Fetch(context.Background(), pageURL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.Status != http.StatusOK || result.Attempts != 1 || string(result.Body) != "<p>$1.990</p>" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestFetchDoesNotRetryOtherStatuses(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			f, transport, sleeper := newTestFetcher(t, config.DefaultConfig())
			transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(status, "nope"))

			result, err := f.Fetch(context.Background(), pageURL)
			if err != nil {
				t.Fatalf("non-2xx must not be an error: %v", err)
			}
			if result.Status != status || result.Body != nil || result.Attempts != 0 {
				t.Fatalf("unexpected result %+v", result)
			}
			if transport.GetTotalCallCount() != 1 || len(sleeper.Waits()) != 0 {
				t.Fatalf("status %d should not be retried", status)
			}
		})
	}
}

func TestFetchNetworkErrorPropagates(t *testing.T) {
	f, transport, sleeper := newTestFetcher(t, config.DefaultConfig())
	transport.RegisterResponder("GET", pageURL, httpmock.NewErrorResponder(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}))

	_, err := f.Fetch(context.Background(), pageURL)
	if err == nil {
		t.Fatalf("expected network error")
	}
	if got := ErrorTypeLabel(err); got != "connection" {
		t.Fatalf("label = %q, want connection (err=%v)", got, err)
	}
	if transport.GetTotalCallCount() != 1 || len(sleeper.Waits()) != 0 {
		t.Fatalf("network errors must not be retried")
	}
}

func TestFetchCachesSuccessfulPages(t *testing.T) {
	f, transport, _ := newTestFetcher(t, config.DefaultConfig())
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(http.StatusOK, "<p>ok</p>"))

	for i := 0; i < 3; i++ {
		if _, err := f.Fetch(context.Background(), pageURL); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("total calls = %d, want 1", got)
	}
}

func TestFetchDoesNotCacheFailures(t *testing.T) {
	f, transport, _ := newTestFetcher(t, config.DefaultConfig())
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(http.StatusNotFound, ""))

	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(context.Background(), pageURL); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if got := transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("total calls = %d, want 2", got)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "unknown"},
		{name: "deadline", err: context.DeadlineExceeded, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, expected: "timeout"},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "shop.test"}, expected: "connection"},
		{name: "dial", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, expected: "connection"},
		{name: "canceled", err: context.Canceled, expected: "canceled"},
		{name: "other", err: errors.New("boom"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorTypeLabel(classifyError(tt.err)); got != tt.expected {
				t.Fatalf("label(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRandomBetweenBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := RandomBetween(500*time.Millisecond, 1500*time.Millisecond)
		if d < 500*time.Millisecond || d >= 1500*time.Millisecond {
			t.Fatalf("delay %v out of range", d)
		}
	}
	if got := RandomBetween(time.Second, time.Second); got != time.Second {
		t.Fatalf("degenerate range = %v, want 1s", got)
	}
}

func TestHumanDelayHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := HumanDelay(ctx, time.Hour, 2*time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestFetchCanceledDuringSlowResponse(t *testing.T) {
	f, transport, _ := newTestFetcher(t, config.DefaultConfig())
	started := make(chan struct{})
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		close(started)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(5 * time.Second):
			return httpmock.NewStringResponse(http.StatusOK, "<p>late</p>"), nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	begin := time.Now()
	_, err := f.Fetch(ctx, pageURL)
	if got := ErrorTypeLabel(err); got != "canceled" {
		t.Fatalf("label = %q, want canceled (err=%v)", got, err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("cancellation did not interrupt the request (took %s)", elapsed)
	}
}

func TestFetchCanceledBeforeRequest(t *testing.T) {
	f, transport, _ := newTestFetcher(t, config.DefaultConfig())
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(http.StatusOK, "<p>ok</p>"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, pageURL)
	var canceled ErrCanceled
	if !errors.As(err, &canceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("total calls = %d, want 0", got)
	}
}

func TestFetchDoesNotLeakBindingHeader(t *testing.T) {
	f, transport, _ := newTestFetcher(t, config.DefaultConfig())
	var got http.Header
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		got = req.Header.Clone()
		return httpmock.NewStringResponse(http.StatusOK, "<p>ok</p>"), nil
	})

	if _, err := f.Fetch(context.Background(), pageURL); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if v := got.Get(requestIDHeader); v != "" {
		t.Fatalf("%s sent upstream: %q", requestIDHeader, v)
	}
}

func TestResetDropsCachedPages(t *testing.T) {
	f, transport, _ := newTestFetcher(t, config.DefaultConfig())
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(http.StatusOK, "<p>ok</p>"))

	ctx := context.Background()
	if _, err := f.Fetch(ctx, pageURL); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	f.Reset()
	if _, err := f.Fetch(ctx, pageURL); err != nil {
		t.Fatalf("fetch after reset: %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("total calls = %d, want 2", got)
	}
}

func TestCacheHitReportsNoAttempts(t *testing.T) {
	f, transport, _ := newTestFetcher(t, config.DefaultConfig())
	calls := 0
	transport.RegisterResponder("GET", pageURL, func(*http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusTooManyRequests, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, "<p>ok</p>"), nil
	})

	ctx := context.Background()
	first, err := f.Fetch(ctx, pageURL)
	if err != nil || first.Attempts != 1 {
		t.Fatalf("first fetch = %+v, %v", first, err)
	}
	second, err := f.Fetch(ctx, pageURL)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if second.Attempts != 0 || !second.OK() {
		t.Fatalf("cached result = %+v", second)
	}
}
