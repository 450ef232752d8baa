package storage

import (
	"context"
	"fmt"

	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	postgresMaxConns = 4

	pgTargetsQuery = `SELECT id::text, store_slug, ext_sku FROM store_products
		WHERE ext_sku IS NOT NULL AND ext_sku <> ALL($1::text[])
		ORDER BY id
		LIMIT NULLIF($2::bigint, 0)`

	pgInsertPrice = `INSERT INTO prices (store_product_id, price_clp, disponible, captured_at)
		VALUES ($1, $2, $3, $4)`

	pgHistoryQuery = `SELECT store_product_id::text, price_clp, disponible, captured_at FROM prices
		WHERE store_product_id::text = $1
		ORDER BY captured_at DESC
		LIMIT $2`
)

// Postgres reads the worklist from and appends observations to an existing
// store_products / prices schema.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a small pool to dsn and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.MaxConns = postgresMaxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Targets reads store_products rows that carry a usable ext_sku.
func (p *Postgres) Targets(ctx context.Context, limit int) ([]models.Target, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := p.pool.Query(ctx, pgTargetsQuery, excludedSKUs, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: query store_products: %w", err)
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.StoreProductID, &t.StoreSlug, &t.ExternalSKU); err != nil {
			return nil, fmt.Errorf("postgres: scan store_products: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate store_products: %w", err)
	}
	return targets, nil
}

// Write appends observations with one pipelined batch.
func (p *Postgres) Write(ctx context.Context, obs []models.PriceObservation) error {
	if len(obs) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, o := range obs {
		b.Queue(pgInsertPrice, o.StoreProductID, o.PriceCLP, o.Available, o.CapturedAt.UTC())
	}

	br := p.pool.SendBatch(ctx, b)
	for i := range obs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: insert price for %s: %w", obs[i].StoreProductID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close batch: %w", err)
	}
	return nil
}

// History returns up to limit observations for a product, newest first.
func (p *Postgres) History(ctx context.Context, storeProductID string, limit int) ([]models.PriceObservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, pgHistoryQuery, storeProductID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query prices: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PriceObservation, error) {
		var o models.PriceObservation
		err := row.Scan(&o.StoreProductID, &o.PriceCLP, &o.Available, &o.CapturedAt)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan prices: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
