package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aluiziolira/go-scrape-prices/models"
)

// CSVSource reads the worklist from a CSV file with a header row naming
// store_product_id (or id), store_slug, and ext_sku columns.
type CSVSource struct {
	path string
}

// OpenCSVSource checks that path is readable.
func OpenCSVSource(path string) (*CSVSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("csv source: %w", err)
	}
	return &CSVSource{path: path}, nil
}

// Targets parses the file on every call so edits between runs are seen.
func (s *CSVSource) Targets(ctx context.Context, limit int) ([]models.Target, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("csv source: open: %w", err)
	}
	defer f.Close()
	return ReadTargets(ctx, f, limit)
}

// Close is a no-op.
func (s *CSVSource) Close() error { return nil }

// ReadTargets decodes a worklist CSV, skipping rows without a usable SKU.
func ReadTargets(ctx context.Context, r io.Reader, limit int) ([]models.Target, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("csv source: read header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if name == "id" {
			name = "store_product_id"
		}
		cols[name] = i
	}
	for _, required := range []string{"store_product_id", "store_slug", "ext_sku"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv source: missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		if i := cols[name]; i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	var targets []models.Target
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(targets) >= limit {
			break
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv source: line %d: %w", line, err)
		}

		t := models.Target{
			StoreProductID: field(record, "store_product_id"),
			StoreSlug:      field(record, "store_slug"),
			ExternalSKU:    field(record, "ext_sku"),
		}
		if t.StoreProductID == "" || !UsableSKU(t.ExternalSKU) {
			continue
		}
		targets = append(targets, t)
	}
	return targets, nil
}
