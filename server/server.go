// Package server exposes the scraper as an HTTP trigger for schedulers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrRunInProgress is reported when a trigger arrives while a run is active.
var ErrRunInProgress = errors.New("run already in progress")

const defaultHistoryLimit = 100

// Runner executes one pipeline run over a worklist source.
type Runner interface {
	RunFromSource(ctx context.Context, src storage.Source, limit int) (*models.RunSummary, error)
}

// Server serializes run triggers; at most one run is active at a time.
type Server struct {
	runner  Runner
	source  storage.Source
	history storage.History
	gather  prometheus.Gatherer
	logger  *slog.Logger

	running sync.Mutex
}

// Option customises a Server.
type Option func(*Server)

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gather = g }
}

// WithHistory enables /products/{id}/prices.
func WithHistory(h storage.History) Option {
	return func(s *Server) { s.history = h }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds a server that runs runner over source.
func New(runner Runner, source storage.Source, opts ...Option) *Server {
	s := &Server{runner: runner, source: source, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/run", s.handleRun)
	if s.history != nil {
		r.Get("/products/{id}/prices", s.handleHistory)
	}
	if s.gather != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully, waiting up to five seconds for active requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil || limit < 0 {
		writeJSON(w, http.StatusBadRequest, models.NewRunReport(nil, errors.New("limit must be a non-negative integer")))
		return
	}

	if !s.running.TryLock() {
		writeJSON(w, http.StatusConflict, models.NewRunReport(nil, ErrRunInProgress))
		return
	}
	defer s.running.Unlock()

	log := s.logger.With(slog.String("request_id", middleware.GetReqID(r.Context())))
	log.Info("run triggered", slog.Int("limit", limit))

	// A dropped client connection does not abort a run in progress.
	summary, err := s.runner.RunFromSource(context.WithoutCancel(r.Context()), s.source, limit)
	status := http.StatusOK
	if err != nil {
		log.Error("run failed", slog.Any("error", err))
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, models.NewRunReport(summary, err))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := queryInt(r, "limit")
	if err != nil || limit < 0 {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}

	rows, err := s.history.History(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("load history", slog.String("store_product_id", id), slog.Any("error", err))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []models.PriceObservation{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
