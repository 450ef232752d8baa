// Package models defines data structures for the price scraper.
package models

import "time"

// Target identifies one (store, product) page to scrape.
type Target struct {
	StoreProductID string `csv:"store_product_id" json:"store_product_id"`
	StoreSlug      string `csv:"store_slug" json:"store_slug"`
	ExternalSKU    string `csv:"ext_sku" json:"ext_sku"`
}

// FetchResult is the outcome of a polite fetch. Body is nil when the final
// status is not 2xx. Attempts counts backoff retries consumed, so a response
// accepted on the first try has Attempts == 0.
type FetchResult struct {
	URL      string
	Status   int
	Body     []byte
	Attempts int
}

// OK reports whether the final status is 2xx.
func (r FetchResult) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// OutcomeKind tags an extraction outcome.
type OutcomeKind string

const (
	KindOK               OutcomeKind = "ok"
	KindNoPriceFound     OutcomeKind = "no-price-found"
	KindHTTPError        OutcomeKind = "http-error"
	KindScrapeError      OutcomeKind = "scrape-error"
	KindUnsupportedStore OutcomeKind = "unsupported-store"
)

// Kinds lists every outcome kind in reporting order.
var Kinds = []OutcomeKind{KindOK, KindNoPriceFound, KindHTTPError, KindScrapeError, KindUnsupportedStore}

// Outcome is the result of attempting to extract a price for one Target.
type Outcome struct {
	Target
	Kind       OutcomeKind `json:"status"`
	Price      int         `json:"price,omitempty"`
	HTTPStatus int         `json:"http_status,omitempty"`
	Message    string      `json:"error,omitempty"`
	URL        string      `json:"url,omitempty"`
}

// OK builds a successful outcome.
func OK(t Target, price int) Outcome {
	return Outcome{Target: t, Kind: KindOK, Price: price}
}

// NoPriceFound builds an outcome for a reachable page without a parseable price.
func NoPriceFound(t Target) Outcome {
	return Outcome{Target: t, Kind: KindNoPriceFound}
}

// HTTPError builds an outcome for a non-2xx final status.
func HTTPError(t Target, status int) Outcome {
	return Outcome{Target: t, Kind: KindHTTPError, HTTPStatus: status}
}

// ScrapeError builds an outcome for a transport or unexpected failure.
func ScrapeError(t Target, message string) Outcome {
	return Outcome{Target: t, Kind: KindScrapeError, Message: message}
}

// UnsupportedStore builds an outcome for a target without a URL pattern.
func UnsupportedStore(t Target) Outcome {
	return Outcome{Target: t, Kind: KindUnsupportedStore}
}

// Observation converts the outcome into the row to append, if any. Only ok
// and no-price-found outcomes produce a row.
func (o Outcome) Observation(capturedAt time.Time) (PriceObservation, bool) {
	switch o.Kind {
	case KindOK:
		return PriceObservation{
			StoreProductID: o.StoreProductID,
			PriceCLP:       o.Price,
			Available:      true,
			CapturedAt:     capturedAt,
		}, true
	case KindNoPriceFound:
		return PriceObservation{
			StoreProductID: o.StoreProductID,
			PriceCLP:       0,
			Available:      false,
			CapturedAt:     capturedAt,
		}, true
	default:
		return PriceObservation{}, false
	}
}

// PriceObservation is one appended price row.
type PriceObservation struct {
	StoreProductID string    `csv:"store_product_id" json:"store_product_id"`
	PriceCLP       int       `csv:"price_clp" json:"price_clp"`
	Available      bool      `csv:"disponible" json:"disponible"`
	CapturedAt     time.Time `csv:"captured_at" json:"captured_at"`
}

// RunSummary holds the overall result of one scheduled run.
type RunSummary struct {
	StartedAt  time.Time                      `json:"started_at"`
	FinishedAt time.Time                      `json:"finished_at"`
	Processed  int                            `json:"processed"`
	Persisted  int                            `json:"persisted"`
	Counts     map[OutcomeKind]int            `json:"counts"`
	ByStore    map[string]map[OutcomeKind]int `json:"by_store"`
	Results    []Outcome                      `json:"results"`
}

// NewRunSummary tallies outcomes that are already in worklist order.
func NewRunSummary(start, end time.Time, results []Outcome, persisted int) *RunSummary {
	summary := &RunSummary{
		StartedAt:  start,
		FinishedAt: end,
		Processed:  len(results),
		Persisted:  persisted,
		Counts:     make(map[OutcomeKind]int, len(Kinds)),
		ByStore:    make(map[string]map[OutcomeKind]int),
		Results:    results,
	}
	for _, r := range results {
		summary.Counts[r.Kind]++
		perStore, ok := summary.ByStore[r.StoreSlug]
		if !ok {
			perStore = make(map[OutcomeKind]int)
			summary.ByStore[r.StoreSlug] = perStore
		}
		perStore[r.Kind]++
	}
	return summary
}

// Failed returns the number of http-error and scrape-error outcomes.
func (s *RunSummary) Failed() int {
	return s.Counts[KindHTTPError] + s.Counts[KindScrapeError]
}

// RunReport is the JSON document emitted for a run: the summary fields plus
// an ok flag and the fatal error, if any.
type RunReport struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	*RunSummary
}

// NewRunReport wraps summary, which may be nil when the run never started.
func NewRunReport(summary *RunSummary, err error) RunReport {
	report := RunReport{OK: err == nil, RunSummary: summary}
	if err != nil {
		report.Error = err.Error()
	}
	return report
}
