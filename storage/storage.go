// Package storage reads the scrape worklist and persists price observations.
//
// Backends are selected by URI:
//
//	sqlite:<path>            worklist + observations (modernc.org/sqlite)
//	postgres://... (or postgresql://)  worklist + observations (pgx)
//	csv:<path>               worklist source, or observation sink
//	jsonl:<path>             observation sink
//	dual:<base>              observation sink writing <base>.csv and <base>.jsonl
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/pipeline"
)

// ErrUnsupportedScheme is returned for URIs no backend understands.
var ErrUnsupportedScheme = errors.New("storage: unsupported scheme")

// Source yields the worklist of targets.
type Source interface {
	// Targets returns at most limit targets with a usable SKU; limit <= 0
	// means no limit.
	Targets(ctx context.Context, limit int) ([]models.Target, error)
	Close() error
}

// History reads back persisted observations, newest first.
type History interface {
	History(ctx context.Context, storeProductID string, limit int) ([]models.PriceObservation, error)
}

// excludedSKUs are placeholder values that never identify a product page.
var excludedSKUs = []string{"", "EMPTY", "search"}

// UsableSKU reports whether sku can be turned into a product URL.
func UsableSKU(sku string) bool {
	for _, bad := range excludedSKUs {
		if sku == bad {
			return false
		}
	}
	return true
}

// OpenSource opens the worklist backend named by uri.
func OpenSource(ctx context.Context, uri string) (Source, error) {
	var (
		src Source
		err error
	)
	scheme, rest := splitURI(uri)
	switch scheme {
	case "sqlite":
		src, err = OpenSQLite(rest)
	case "postgres", "postgresql":
		src, err = OpenPostgres(ctx, uri)
	case "csv":
		src, err = OpenCSVSource(rest)
	default:
		return nil, fmt.Errorf("%w: source %q", ErrUnsupportedScheme, uri)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

// OpenSink opens the observation backend named by uri.
func OpenSink(ctx context.Context, uri string) (pipeline.Sink, error) {
	var (
		sink pipeline.Sink
		err  error
	)
	scheme, rest := splitURI(uri)
	switch scheme {
	case "sqlite":
		sink, err = OpenSQLite(rest)
	case "postgres", "postgresql":
		sink, err = OpenPostgres(ctx, uri)
	case "csv":
		sink, err = pipeline.NewCSVWriter(rest)
	case "jsonl":
		sink, err = pipeline.NewJSONWriter(rest)
	case "dual":
		sink, err = pipeline.NewDualWriterFromBase(rest)
	default:
		return nil, fmt.Errorf("%w: sink %q", ErrUnsupportedScheme, uri)
	}
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func splitURI(uri string) (scheme, rest string) {
	uri = strings.TrimSpace(uri)
	idx := strings.IndexByte(uri, ':')
	if idx <= 0 {
		return "", uri
	}
	scheme = strings.ToLower(uri[:idx])
	rest = strings.TrimPrefix(uri[idx+1:], "//")
	return scheme, rest
}
