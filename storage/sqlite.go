package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aluiziolira/go-scrape-prices/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS store_products (
	id         TEXT PRIMARY KEY,
	store_slug TEXT NOT NULL,
	ext_sku    TEXT
);
CREATE TABLE IF NOT EXISTS prices (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	store_product_id TEXT    NOT NULL,
	price_clp        INTEGER NOT NULL,
	disponible       INTEGER NOT NULL,
	captured_at      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prices_product_captured ON prices(store_product_id, captured_at);
`

// Pragmas applied to every pooled connection through the driver DSN.
var sqlitePragmas = []string{
	"busy_timeout(10000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// SQLite is a worklist source and observation sink backed by one database
// file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists. path ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: mkdir: %w", err)
			}
		}
	}

	dsn := path + "?_pragma=" + strings.Join(sqlitePragmas, "&_pragma=")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if memory {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: exec schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Targets reads store_products rows that carry a usable ext_sku.
func (s *SQLite) Targets(ctx context.Context, limit int) ([]models.Target, error) {
	query := `SELECT id, store_slug, ext_sku FROM store_products
		WHERE ext_sku IS NOT NULL AND ext_sku NOT IN (?, ?, ?)
		ORDER BY id`
	args := []any{excludedSKUs[0], excludedSKUs[1], excludedSKUs[2]}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query store_products: %w", err)
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.StoreProductID, &t.StoreSlug, &t.ExternalSKU); err != nil {
			return nil, fmt.Errorf("sqlite: scan store_products: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate store_products: %w", err)
	}
	return targets, nil
}

// Write appends observations in a single transaction.
func (s *SQLite) Write(ctx context.Context, obs []models.PriceObservation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO prices (store_product_id, price_clp, disponible, captured_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx, o.StoreProductID, o.PriceCLP, o.Available, formatTime(o.CapturedAt)); err != nil {
			return fmt.Errorf("sqlite: insert price for %s: %w", o.StoreProductID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// AddProducts upserts worklist rows.
func (s *SQLite) AddProducts(ctx context.Context, targets ...models.Target) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	for _, t := range targets {
		var sku any = t.ExternalSKU
		if t.ExternalSKU == "" {
			sku = nil
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO store_products (id, store_slug, ext_sku) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET store_slug = excluded.store_slug, ext_sku = excluded.ext_sku`,
			t.StoreProductID, t.StoreSlug, sku)
		if err != nil {
			return fmt.Errorf("sqlite: upsert store_product %s: %w", t.StoreProductID, err)
		}
	}
	return tx.Commit()
}

// History returns up to limit observations for a product, newest first.
func (s *SQLite) History(ctx context.Context, storeProductID string, limit int) ([]models.PriceObservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT store_product_id, price_clp, disponible, captured_at FROM prices
		 WHERE store_product_id = ? ORDER BY captured_at DESC, id DESC LIMIT ?`,
		storeProductID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query prices: %w", err)
	}
	defer rows.Close()

	var out []models.PriceObservation
	for rows.Next() {
		var (
			o   models.PriceObservation
			raw string
		)
		if err := rows.Scan(&o.StoreProductID, &o.PriceCLP, &o.Available, &raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan prices: %w", err)
		}
		if o.CapturedAt, err = time.Parse(timeLayout, raw); err != nil {
			return nil, fmt.Errorf("sqlite: parse captured_at %q: %w", raw, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate prices: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// timeLayout has a fixed-width fraction so captured_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
