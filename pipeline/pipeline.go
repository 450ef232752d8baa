// Package pipeline batches price observations into a Sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/models"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when Close gives up waiting for workers.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

var drainTimeout = 30 * time.Second

// Sink persists batches of observations. Implementations must be safe for
// concurrent use when the pipeline runs more than one worker.
type Sink interface {
	Write(ctx context.Context, obs []models.PriceObservation) error
	Close() error
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Persisted int64
	Batches   int64
	Rejected  map[string]int
}

// Pipeline coordinates validation and batched sink writes.
type Pipeline struct {
	ctx       context.Context
	sink      Sink
	obsCh     chan models.PriceObservation
	batchSize int

	wg sync.WaitGroup

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline sized from cfg. Sink writes use ctx.
func NewPipeline(ctx context.Context, sink Sink, cfg *config.Config) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	buffer := cfg.PipelineBufferSize
	if buffer <= 0 {
		buffer = 128
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Pipeline{
		ctx:       ctx,
		sink:      sink,
		obsCh:     make(chan models.PriceObservation, buffer),
		batchSize: batch,
		metrics:   newMetrics(),
		shutdown:  make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues observations for persistence. It returns the first sink
// error once a write has failed.
func (p *Pipeline) Process(obs ...models.PriceObservation) error {
	if len(obs) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, o := range obs {
		if err := p.enqueue(o); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes pending batches, waits for workers and prevents further
// submissions. It does not close the sink.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		close(p.obsCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		p.signalShutdown()
		return fmt.Errorf("%w after %s", ErrPipelineCloseTimeout, drainTimeout)
	}
	p.signalShutdown()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns a snapshot of the internal counters.
func (p *Pipeline) Stats() Stats {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := p.Stats()
				slog.Info("pipeline progress",
					slog.Int64("persisted", stats.Persisted),
					slog.Int64("batches", stats.Batches),
					slog.Int("rejected", len(stats.Rejected)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]models.PriceObservation, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.sink.Write(p.ctx, batch); err != nil {
			return err
		}
		p.metrics.addBatch(len(batch))
		batch = batch[:0]
		return nil
	}

	for obs := range p.obsCh {
		if reason := validate(obs); reason != "" {
			p.metrics.addRejected(reason)
			slog.Warn("dropping observation",
				slog.String("store_product_id", obs.StoreProductID),
				slog.String("reason", reason),
			)
			continue
		}
		batch = append(batch, obs)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

// validate returns a rejection reason, or "" for a well-formed observation.
func validate(obs models.PriceObservation) string {
	switch {
	case obs.StoreProductID == "":
		return "missing_store_product_id"
	case obs.Available && obs.PriceCLP <= 0:
		return "available_without_price"
	case !obs.Available && obs.PriceCLP != 0:
		return "unavailable_with_price"
	case obs.CapturedAt.IsZero():
		return "missing_captured_at"
	}
	return ""
}

func (p *Pipeline) enqueue(obs models.PriceObservation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = p.closedErr()
		}
	}()

	select {
	case <-p.shutdown:
		return p.closedErr()
	case p.obsCh <- obs:
		return nil
	}
}

func (p *Pipeline) closedErr() error {
	if err := p.Err(); err != nil {
		return err
	}
	return ErrPipelineClosed
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	go p.discard()
}

// discard drains the queue after a fatal sink error so blocked producers
// and other workers observe shutdown instead of waiting on a full channel.
func (p *Pipeline) discard() {
	for {
		select {
		case _, ok := <-p.obsCh:
			if !ok {
				return
			}
		case <-time.After(drainTimeout):
			return
		}
	}
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu        sync.Mutex
	persisted int64
	batches   int64
	rejected  map[string]int
}

func newMetrics() metrics {
	return metrics{
		rejected: make(map[string]int),
	}
}

func (m *metrics) addBatch(n int) {
	m.mu.Lock()
	m.persisted += int64(n)
	m.batches++
	m.mu.Unlock()
}

func (m *metrics) addRejected(reason string) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	rejected := make(map[string]int, len(m.rejected))
	for k, v := range m.rejected {
		rejected[k] = v
	}
	return Stats{
		Persisted: m.persisted,
		Batches:   m.batches,
		Rejected:  rejected,
	}
}
