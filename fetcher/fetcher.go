// Package fetcher retrieves retailer pages with browser-like headers and
// capped exponential backoff on rate-limit and overload responses.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Observer receives request telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveRequest(status int, d time.Duration)
	ObserveRetry(status int)
}

// Fetcher performs polite GETs. It is safe for concurrent use; each request
// runs on its own clone of the base collector.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	limiter   *rate.Limiter
	cache     *lru.Cache[string, models.FetchResult]
	transport *contextTransport
	observer  Observer

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
	pickUA func() string
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithObserver attaches request telemetry.
func WithObserver(o Observer) Option {
	return func(f *Fetcher) { f.observer = o }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

// WithJitter replaces the backoff jitter source.
func WithJitter(fn func() time.Duration) Option {
	return func(f *Fetcher) { f.jitter = fn }
}

// New builds a fetcher configured from cfg.
func New(cfg *config.Config, opts ...Option) (*Fetcher, error) {
	if len(cfg.UserAgents) == 0 {
		return nil, fmt.Errorf("user agent pool cannot be empty")
	}

	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.UserAgent(cfg.UserAgents[0]),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.ParseHTTPErrorResponse = true
	transport := &contextTransport{base: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}}
	collector.WithTransport(transport)

	f := &Fetcher{
		cfg:       cfg,
		collector: collector,
		transport: transport,
		sleep:     Sleep,
	}
	f.jitter = func() time.Duration {
		if cfg.RetryJitter <= 0 {
			return 0
		}
		return rand.N(cfg.RetryJitter)
	}
	f.pickUA = func() string {
		return cfg.UserAgents[rand.IntN(len(cfg.UserAgents))]
	}

	if cfg.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.PageCacheSize > 0 {
		cache, err := lru.New[string, models.FetchResult](cfg.PageCacheSize)
		if err != nil {
			return nil, fmt.Errorf("page cache: %w", err)
		}
		f.cache = cache
	}

	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// WithTransport swaps the HTTP transport used by all requests. Must be
// called before the first Fetch.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.transport.base = rt
}

// Reset drops cached pages. Call it at the start of every run.
func (f *Fetcher) Reset() {
	if f.cache != nil {
		f.cache.Purge()
	}
}

// Fetch retrieves pageURL starting at attempt zero. Successful pages are
// served from the cache when the same URL is requested again before Reset.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (models.FetchResult, error) {
	if f.cache != nil {
		if cached, ok := f.cache.Get(pageURL); ok {
			slog.Debug("page cache hit", slog.String("url", pageURL))
			cached.Attempts = 0
			return cached, nil
		}
	}
	result, err := f.FetchWithBackoff(ctx, pageURL, nil, 0)
	if err == nil && result.OK() && f.cache != nil {
		f.cache.Add(pageURL, result)
	}
	return result, err
}

// FetchWithBackoff issues a GET and retries 429/503 responses while attempt
// is below the configured retry budget. Any other status, or a retryable
// status once the budget is spent, is returned as-is without error.
// Transport failures are returned as errors and are never retried.
func (f *Fetcher) FetchWithBackoff(ctx context.Context, pageURL string, hdr http.Header, attempt int) (models.FetchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if attempt < 0 {
		attempt = 0
	}

	for {
		status, body, err := f.do(ctx, pageURL, hdr)
		if err != nil {
			return models.FetchResult{URL: pageURL, Attempts: attempt}, err
		}

		if retryable(status) && attempt < f.cfg.MaxRetries {
			wait := f.backoff(attempt)
			if f.observer != nil {
				f.observer.ObserveRetry(status)
			}
			slog.Debug("backing off",
				slog.String("url", pageURL),
				slog.Int("status", status),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
			)
			if err := f.sleep(ctx, wait); err != nil {
				return models.FetchResult{URL: pageURL, Status: status, Attempts: attempt}, classifyError(err)
			}
			attempt++
			continue
		}

		result := models.FetchResult{URL: pageURL, Status: status, Attempts: attempt}
		if result.OK() {
			result.Body = body
		}
		return result, nil
	}
}

func (f *Fetcher) do(ctx context.Context, pageURL string, extra http.Header) (int, []byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return 0, nil, classifyError(err)
		}
	}

	id, release := f.transport.bind(ctx)
	defer release()
	hdr := f.headers(extra)
	hdr.Set(requestIDHeader, id)

	c := f.collector.Clone()

	var (
		status int
		body   []byte
	)
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
	})

	start := time.Now()
	err := c.Request(http.MethodGet, pageURL, nil, nil, hdr)
	if f.observer != nil {
		f.observer.ObserveRequest(status, time.Since(start))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, nil, classifyError(ctxErr)
	}
	if err != nil {
		return 0, nil, classifyError(err)
	}
	if status == 0 {
		return 0, nil, ErrNoResponse
	}
	return status, body, nil
}

func (f *Fetcher) headers(extra http.Header) http.Header {
	hdr := http.Header{}
	hdr.Set("User-Agent", f.pickUA())
	hdr.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	hdr.Set("Accept-Language", f.cfg.AcceptLanguage)
	hdr.Set("Referer", f.cfg.Referer)
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Pragma", "no-cache")
	for key, values := range extra {
		hdr[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	return hdr
}

// backoff returns min(cap, base*2^attempt + jitter).
func (f *Fetcher) backoff(attempt int) time.Duration {
	base := f.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := f.cfg.RetryBackoffMax

	delay := base
	for i := 0; i < attempt; i++ {
		if max > 0 && delay >= max {
			break
		}
		delay *= 2
	}
	delay += f.jitter()
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}
