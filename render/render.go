// Package render acquires product pages through a headless Chrome for stores
// whose prices only appear after client-side rendering.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("render: closed")

// DefaultBlockedResources are skipped while rendering; prices never depend on them.
var DefaultBlockedResources = []string{"images", "fonts", "media"}

// Renderer drives one lazily started browser shared by all callers. Each
// Fetch runs in its own stealth tab.
type Renderer struct {
	remoteURL      string
	timeout        time.Duration
	userAgents     []string
	acceptLanguage string
	referer        string
	blocked        map[string]bool
	logger         *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// New builds a renderer from cfg. No browser is started until the first Fetch.
func New(cfg *config.Config, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	blocked := make(map[string]bool, len(DefaultBlockedResources))
	for _, t := range DefaultBlockedResources {
		blocked[t] = true
	}
	return &Renderer{
		remoteURL:      cfg.RenderRemoteURL,
		timeout:        cfg.RenderTimeout,
		userAgents:     cfg.UserAgents,
		acceptLanguage: cfg.AcceptLanguage,
		referer:        cfg.Referer,
		blocked:        blocked,
		logger:         logger,
	}
}

// Fetch navigates to pageURL and returns the rendered document. The status
// is taken from the main document response; Body is nil unless it is 2xx.
func (r *Renderer) Fetch(ctx context.Context, pageURL string) (models.FetchResult, error) {
	result := models.FetchResult{URL: pageURL}

	b, err := r.ensureBrowser()
	if err != nil {
		return result, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return result, fmt.Errorf("render: create tab: %w", err)
	}
	defer page.Close()

	stop, err := r.prepare(page)
	if err != nil {
		return result, err
	}
	defer stop()

	var status atomic.Int64
	waitDocument := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			status.Store(int64(e.Response.Status))
			return true
		}
		return false
	})
	go waitDocument()

	navCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return result, fmt.Errorf("render: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		r.logger.Warn("render: wait load", slog.String("url", pageURL), slog.Any("error", err))
	}

	html, err := page.Context(navCtx).HTML()
	if err != nil {
		return result, fmt.Errorf("render: read dom %s: %w", pageURL, err)
	}

	result.Status = documentStatus(int(status.Load()), html)
	if result.OK() {
		result.Body = []byte(html)
	}
	r.logger.Debug("rendered page",
		slog.String("url", pageURL),
		slog.Int("status", result.Status),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
	return err
}

func (r *Renderer) ensureBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.browser != nil {
		return r.browser, nil
	}

	wsURL := r.remoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("render: launch: %w", err)
		}
		wsURL = u
		r.lnch = l
		r.logger.Info("render: launched local chrome", slog.String("url", wsURL))
	} else {
		r.logger.Info("render: connecting to remote chrome", slog.String("url", wsURL))
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if r.lnch != nil {
			r.lnch.Cleanup()
			r.lnch = nil
		}
		return nil, fmt.Errorf("render: connect: %w", err)
	}
	r.browser = b
	return b, nil
}

// prepare applies browser-like identity headers and resource blocking. The
// returned func stops request interception.
func (r *Renderer) prepare(page *rod.Page) (func(), error) {
	noop := func() {}
	override := proto.NetworkSetUserAgentOverride{
		UserAgent:      r.userAgents[rand.IntN(len(r.userAgents))],
		AcceptLanguage: r.acceptLanguage,
	}
	if err := override.Call(page); err != nil {
		return noop, fmt.Errorf("render: user agent: %w", err)
	}
	if r.referer != "" {
		if _, err := page.SetExtraHeaders([]string{"Referer", r.referer}); err != nil {
			return noop, fmt.Errorf("render: extra headers: %w", err)
		}
	}

	if len(r.blocked) == 0 {
		return noop, nil
	}
	router := page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		if shouldBlock(r.blocked, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return noop, fmt.Errorf("render: hijack: %w", err)
	}
	go router.Run()
	return func() { _ = router.Stop() }, nil
}

// documentStatus falls back to 200 when the document response event was
// missed but the page produced markup.
func documentStatus(observed int, html string) int {
	if observed > 0 {
		return observed
	}
	if strings.TrimSpace(html) != "" {
		return http.StatusOK
	}
	return 0
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	switch lower := strings.ToLower(resType); lower {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	default:
		return blockSet[lower]
	}
}
