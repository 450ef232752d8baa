// Package scraper runs the extraction pipeline over a worklist: build the
// product URL, fetch politely, extract a price, classify the outcome and
// persist an observation.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/fetcher"
	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/parser"
	"github.com/aluiziolira/go-scrape-prices/pipeline"
	"github.com/aluiziolira/go-scrape-prices/storage"
	"github.com/aluiziolira/go-scrape-prices/stores"
)

// PageFetcher acquires one product page.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (models.FetchResult, error)
}

// resetter is implemented by fetchers that keep state between calls, such as
// a page cache. Run resets them so no page outlives its run.
type resetter interface {
	Reset()
}

// PriceExtractor finds a price in a product page.
type PriceExtractor interface {
	Extract(html []byte, selector string) (parser.Result, bool)
}

// Deps are the collaborators of a Scraper. Fetcher and Sink are required.
type Deps struct {
	Registry *stores.Registry
	Fetcher  PageFetcher
	// Renderer serves stores flagged for headless rendering; when nil those
	// stores fall back to Fetcher.
	Renderer  PageFetcher
	Extractor PriceExtractor
	Sink      pipeline.Sink
	Metrics   *Metrics
	Logger    *slog.Logger
	// Clock stamps observations and the run summary.
	Clock func() time.Time
	// Delay runs before each fetch; defaults to a random human-like pause.
	Delay func(ctx context.Context) error
}

// Scraper is the extraction orchestrator. A Scraper may run many times but
// not concurrently with itself.
type Scraper struct {
	cfg  *config.Config
	deps Deps
}

// New validates deps and fills defaults from cfg.
func New(cfg *config.Config, deps Deps) (*Scraper, error) {
	if cfg == nil {
		return nil, errors.New("scraper: config is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("scraper: fetcher is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("scraper: sink is required")
	}
	if deps.Registry == nil {
		deps.Registry = stores.Default().WithBlocked(cfg.BlockedStores...)
	}
	if deps.Extractor == nil {
		deps.Extractor = parser.New(cfg)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Delay == nil {
		lo, hi := cfg.HumanDelayMin, cfg.HumanDelayMax
		deps.Delay = func(ctx context.Context) error {
			return fetcher.HumanDelay(ctx, lo, hi)
		}
	}
	return &Scraper{cfg: cfg, deps: deps}, nil
}

// RunFromSource reads up to limit targets from src and runs them. A source
// failure aborts before any fetch.
func (s *Scraper) RunFromSource(ctx context.Context, src storage.Source, limit int) (*models.RunSummary, error) {
	targets, err := src.Targets(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("read worklist: %w", err)
	}
	s.deps.Logger.Info("worklist loaded", slog.Int("targets", len(targets)), slog.Int("limit", limit))
	return s.Run(ctx, targets)
}

// Run processes targets with a fixed pool of Concurrency workers. Results
// keep worklist order. A sink failure or context cancellation stops
// dispatching; the summary then covers only the targets attempted so far
// and the error is returned alongside it.
func (s *Scraper) Run(ctx context.Context, targets []models.Target) (*models.RunSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.deps.Clock()
	log := s.deps.Logger

	for _, src := range []PageFetcher{s.deps.Fetcher, s.deps.Renderer} {
		if r, ok := src.(resetter); ok {
			r.Reset()
		}
	}

	// Writes outlive cancellation so observations already produced are kept.
	p := pipeline.NewPipeline(context.WithoutCancel(ctx), s.deps.Sink, s.cfg)
	p.Start(1)
	if s.cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	results := make([]models.Outcome, len(targets))
	attempted := make([]bool, len(targets))

	workers := s.cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(targets) {
		workers = len(targets)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out := s.process(ctx, targets[i])
				results[i] = out
				attempted[i] = true
				s.deps.Metrics.IncOutcome(out.StoreSlug, out.Kind)
				s.logOutcome(out)

				if obs, ok := out.Observation(s.deps.Clock()); ok {
					if err := p.Process(obs); err != nil {
						log.Error("persist observation",
							slog.String("store_product_id", out.StoreProductID),
							slog.Any("error", err),
						)
					}
				}
			}
		}()
	}

	var runErr error
dispatch:
	for i := range targets {
		if err := p.Err(); err != nil {
			break
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if err := p.Close(); err != nil {
		runErr = fmt.Errorf("persist observations: %w", err)
	} else if err := ctx.Err(); err != nil {
		runErr = err
	}

	done := make([]models.Outcome, 0, len(targets))
	for i, ok := range attempted {
		if ok {
			done = append(done, results[i])
		}
	}

	stats := p.Stats()
	s.deps.Metrics.AddPersisted(int(stats.Persisted))
	summary := models.NewRunSummary(start, s.deps.Clock(), done, int(stats.Persisted))
	s.deps.Metrics.ObserveRun(summary.FinishedAt, runErr)

	log.Info("run complete",
		slog.Int("targets", len(targets)),
		slog.Int("processed", summary.Processed),
		slog.Int("persisted", summary.Persisted),
		slog.Int("ok", summary.Counts[models.KindOK]),
		slog.Int("no_price", summary.Counts[models.KindNoPriceFound]),
		slog.Int("failed", summary.Failed()),
		slog.Duration("duration", summary.FinishedAt.Sub(start)),
	)
	return summary, runErr
}

// process classifies one target. It never panics.
func (s *Scraper) process(ctx context.Context, t models.Target) (out models.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			url := out.URL
			out = models.ScrapeError(t, fmt.Sprintf("panic: %v", r))
			out.URL = url
		}
	}()

	store, known := s.deps.Registry.Lookup(t.StoreSlug)
	pageURL, ok := s.deps.Registry.BuildProductURL(t.StoreSlug, t.ExternalSKU)
	if !known || !ok {
		return models.UnsupportedStore(t)
	}
	out.URL = pageURL

	if store.Blocked {
		return withURL(models.ScrapeError(t, stores.ErrBlocked.Error()), pageURL)
	}

	if err := s.deps.Delay(ctx); err != nil {
		return withURL(models.ScrapeError(t, err.Error()), pageURL)
	}

	source := s.deps.Fetcher
	if store.Render && s.deps.Renderer != nil {
		source = s.deps.Renderer
	}
	res, err := source.Fetch(ctx, pageURL)
	if err != nil {
		s.deps.Metrics.IncError(fetcher.ErrorTypeLabel(err))
		return withURL(models.ScrapeError(t, err.Error()), pageURL)
	}
	if !res.OK() {
		return withURL(models.HTTPError(t, res.Status), pageURL)
	}

	found, ok := s.deps.Extractor.Extract(res.Body, store.PriceSelector)
	if !ok {
		return withURL(models.NoPriceFound(t), pageURL)
	}
	s.deps.Logger.Debug("price extracted",
		slog.String("store", t.StoreSlug),
		slog.String("sku", t.ExternalSKU),
		slog.String("stage", string(found.Stage)),
		slog.Int("candidates", found.Candidates),
		slog.Int("retries", res.Attempts),
	)
	return withURL(models.OK(t, found.Price), pageURL)
}

func (s *Scraper) logOutcome(out models.Outcome) {
	attrs := []any{
		slog.String("store", out.StoreSlug),
		slog.String("sku", out.ExternalSKU),
		slog.String("outcome", string(out.Kind)),
	}
	switch out.Kind {
	case models.KindOK:
		s.deps.Logger.Info("target scraped", append(attrs, slog.Int("price", out.Price))...)
	case models.KindHTTPError:
		s.deps.Logger.Warn("target scraped", append(attrs, slog.Int("status", out.HTTPStatus), slog.String("url", out.URL))...)
	case models.KindScrapeError:
		s.deps.Logger.Error("target scraped", append(attrs, slog.String("error", out.Message))...)
	default:
		s.deps.Logger.Info("target scraped", attrs...)
	}
}

func withURL(o models.Outcome, url string) models.Outcome {
	o.URL = url
	return o
}
