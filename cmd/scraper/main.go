package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/fetcher"
	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/render"
	"github.com/aluiziolira/go-scrape-prices/scraper"
	"github.com/aluiziolira/go-scrape-prices/server"
	"github.com/aluiziolira/go-scrape-prices/storage"
	"github.com/aluiziolira/go-scrape-prices/stores"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		return 1
	}

	limit := flag.Int("limit", cfg.Limit, "Maximum targets to scrape (0 = all)")
	source := flag.String("source", cfg.Source, "Worklist source URI (sqlite:, postgres://, csv:)")
	sink := flag.String("sink", cfg.Sink, "Observation sink URI (sqlite:, postgres://, csv:, jsonl:, dual:)")
	storesFile := flag.String("stores", cfg.StoresFile, "YAML store table layered over the built-in stores")
	blocked := flag.String("blocked", strings.Join(cfg.BlockedStores, ","), "Comma separated store slugs to skip")
	concurrency := flag.Int("concurrency", cfg.Concurrency, "Number of targets processed in parallel")
	maxRetries := flag.Int("max-retries", cfg.MaxRetries, "Backoff retries on 429/503 responses")
	rps := flag.Float64("rps", cfg.RequestsPerSecond, "Global request rate limit (0 = unlimited)")
	tieBreak := flag.String("tie-break", cfg.TieBreak, "Visual price tie-break: frequency, smallest, or last")
	renderURL := flag.String("render-url", cfg.RenderRemoteURL, "DevTools websocket of a remote Chrome for rendered stores")
	summaryFile := flag.String("summary", cfg.SummaryFile, "Write the JSON run summary to this file instead of stdout")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	serveAddr := flag.String("serve", cfg.ServeAddr, "Serve the HTTP trigger on this address instead of running once")
	verbose := flag.Bool("v", cfg.Verbose, "Enable verbose logging")

	flag.Parse()

	cfg.Limit = *limit
	cfg.Source = *source
	cfg.Sink = *sink
	cfg.StoresFile = *storesFile
	cfg.BlockedStores = config.SplitList(*blocked)
	cfg.Concurrency = *concurrency
	cfg.MaxRetries = *maxRetries
	cfg.RequestsPerSecond = *rps
	cfg.TieBreak = strings.ToLower(*tieBreak)
	cfg.RenderRemoteURL = *renderURL
	cfg.SummaryFile = *summaryFile
	cfg.MetricsAddr = *metricsAddr
	cfg.ServeAddr = *serveAddr
	cfg.Verbose = *verbose

	// The summary owns stdout unless it goes to a file or the process serves.
	logOut := os.Stderr
	if cfg.SummaryFile != "" || cfg.ServeAddr != "" {
		logOut = os.Stdout
	}
	logger, level := newLogger(cfg.Verbose, logOut)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	registry := stores.Default()
	if cfg.StoresFile != "" {
		var err error
		if registry, err = stores.LoadFile(cfg.StoresFile); err != nil {
			slog.Error("loading store table", slog.Any("error", err))
			return 1
		}
	}
	registry = registry.WithBlocked(cfg.BlockedStores...)

	metrics := scraper.NewMetrics()
	f, err := fetcher.New(cfg, fetcher.WithObserver(metrics))
	if err != nil {
		slog.Error("initialising fetcher", slog.Any("error", err))
		return 1
	}
	renderer := render.New(cfg, logger)
	defer func() {
		if err := renderer.Close(); err != nil {
			slog.Error("close renderer", slog.Any("error", err))
		}
	}()

	src, err := storage.OpenSource(ctx, cfg.Source)
	if err != nil {
		slog.Error("opening source", slog.String("uri", cfg.Source), slog.Any("error", err))
		return 1
	}
	defer src.Close()

	out, err := storage.OpenSink(ctx, cfg.Sink)
	if err != nil {
		slog.Error("opening sink", slog.String("uri", cfg.Sink), slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := out.Close(); err != nil {
			slog.Error("close sink", slog.Any("error", err))
		}
	}()

	s, err := scraper.New(cfg, scraper.Deps{
		Registry: registry,
		Fetcher:  f,
		Renderer: renderer,
		Sink:     out,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		return 1
	}

	if cfg.ServeAddr != "" {
		opts := []server.Option{server.WithMetrics(metrics.Registry), server.WithLogger(logger)}
		if h, ok := src.(storage.History); ok {
			opts = append(opts, server.WithHistory(h))
		}
		if err := server.New(s, src, opts...).ListenAndServe(ctx, cfg.ServeAddr); err != nil {
			slog.Error("http server failed", slog.Any("error", err))
			return 1
		}
		return 0
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	slog.Info("starting run",
		slog.String("source", cfg.Source),
		slog.String("sink", cfg.Sink),
		slog.Int("limit", cfg.Limit),
		slog.Int("workers", cfg.Concurrency),
	)

	summary, runErr := s.RunFromSource(ctx, src, cfg.Limit)
	if runErr != nil {
		slog.Error("run failed", slog.Any("error", runErr))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if err := writeSummary(cfg.SummaryFile, models.NewRunReport(summary, runErr)); err != nil {
		slog.Error("writing summary", slog.Any("error", err))
		return 1
	}
	if runErr != nil {
		return 1
	}
	return 0
}

// applyEnv layers SCRAPER_* variables over cfg so flags default to them.
func applyEnv(cfg *config.Config) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"SCRAPER_LIMIT", &cfg.Limit},
		{"SCRAPER_CONCURRENCY", &cfg.Concurrency},
		{"SCRAPER_MAX_RETRIES", &cfg.MaxRetries},
	}
	for _, e := range ints {
		value, ok, err := config.EnvInt(e.key)
		if err != nil {
			return err
		}
		if ok {
			*e.dst = value
		}
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"SCRAPER_SOURCE", &cfg.Source},
		{"SCRAPER_SINK", &cfg.Sink},
		{"SCRAPER_STORES", &cfg.StoresFile},
		{"SCRAPER_TIE_BREAK", &cfg.TieBreak},
		{"SCRAPER_RENDER_URL", &cfg.RenderRemoteURL},
		{"SCRAPER_SUMMARY", &cfg.SummaryFile},
		{"SCRAPER_METRICS_ADDR", &cfg.MetricsAddr},
		{"SCRAPER_SERVE", &cfg.ServeAddr},
	}
	for _, e := range strs {
		if value, ok := config.EnvString(e.key); ok {
			*e.dst = value
		}
	}

	if value, ok, err := config.EnvDuration("SCRAPER_TIMEOUT"); err != nil {
		return err
	} else if ok {
		cfg.Timeout = value
	}
	if value, ok, err := config.EnvBool("SCRAPER_VERBOSE"); err != nil {
		return err
	} else if ok {
		cfg.Verbose = value
	}
	if value, ok := config.EnvList("SCRAPER_BLOCKED_STORES"); ok {
		cfg.BlockedStores = value
	}
	if value, ok := config.EnvList("SCRAPER_USER_AGENTS"); ok && len(value) > 0 {
		cfg.UserAgents = value
	}
	return nil
}

func writeSummary(path string, report models.RunReport) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func newLogger(verbose bool, out *os.File) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(out) {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
