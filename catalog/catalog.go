package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ProPass/metrics"
	"ProPass/postgres"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

// DefaultDurationDays is used for the configured fallback product.
const DefaultDurationDays = 30

// Product is a recognized subscription product.
type Product struct {
	ID           int    `json:"id"`
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
	Platform     string `json:"platform"`
	DurationDays int    `json:"duration_days"`
}

// Catalog answers whether a product identifier may grant the professional tier.
type Catalog interface {
	IsAllowed(ctx context.Context, productID string) bool
	Lookup(ctx context.Context, productID string) (Product, bool)
	List(ctx context.Context) []Product
}

// Static is a fixed in-memory catalog.
type Static struct {
	products map[string]Product
}

// NewStatic builds a catalog from products. An empty list falls back to defaultProductID.
func NewStatic(defaultProductID string, products ...Product) *Static {
	return &Static{products: index(products, defaultProductID)}
}

func (s *Static) IsAllowed(ctx context.Context, productID string) bool {
	_, ok := s.Lookup(ctx, productID)
	return ok
}

func (s *Static) Lookup(_ context.Context, productID string) (Product, bool) {
	p, ok := s.products[productID]
	return p, ok && productID != ""
}

func (s *Static) List(_ context.Context) []Product {
	return sorted(s.products)
}

// DBCatalog holds the subscription_products list in memory and reloads it on demand.
// While the last reload failed the catalog allows nothing.
type DBCatalog struct {
	pool             *pgxpool.Pool
	load             func(ctx context.Context) ([]Product, error)
	defaultProductID string

	mu        sync.RWMutex
	products  map[string]Product
	reachable bool
}

func NewDBCatalog(pool *pgxpool.Pool, defaultProductID string) *DBCatalog {
	c := &DBCatalog{pool: pool, defaultProductID: defaultProductID}
	c.load = c.queryProducts
	return c
}

// Reload replaces the in-memory list with the table contents.
func (c *DBCatalog) Reload(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	products, err := c.load(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.products = nil
		c.reachable = false
		metrics.CatalogProducts.Set(0)
		logger.Error().Err(err).Msg("Product catalog unreachable, rejecting all products until next reload")
		return fmt.Errorf("failed to load product catalog: %w", err)
	}

	c.products = index(products, c.defaultProductID)
	c.reachable = true
	metrics.CatalogProducts.Set(float64(len(c.products)))
	logger.Debug().Int("products", len(c.products)).Msg("Product catalog reloaded")
	return nil
}

// Run reloads the catalog every interval until ctx is cancelled.
func (c *DBCatalog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a failed reload is logged and leaves the catalog closed until the next tick
			_ = c.Reload(ctx)
		}
	}
}

func (c *DBCatalog) IsAllowed(ctx context.Context, productID string) bool {
	_, ok := c.Lookup(ctx, productID)
	return ok
}

func (c *DBCatalog) Lookup(_ context.Context, productID string) (Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.reachable || productID == "" {
		return Product{}, false
	}
	p, ok := c.products[productID]
	return p, ok
}

func (c *DBCatalog) List(_ context.Context) []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.reachable {
		return nil
	}
	return sorted(c.products)
}

// Upsert inserts or updates products in one transaction and reloads the list.
func (c *DBCatalog) Upsert(ctx context.Context, products []Product) error {
	err := postgres.WithTransaction(ctx, c.pool, func(ctx context.Context, tx pgx.Tx) error {
		for _, p := range products {
			if p.ProductID == "" {
				return fmt.Errorf("product id is required")
			}
			if p.DurationDays <= 0 {
				p.DurationDays = DefaultDurationDays
			}
			if p.Platform == "" {
				p.Platform = "apple"
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO subscription_products (product_id, name, platform, duration_days, active)
				VALUES ($1, $2, $3, $4, true)
				ON CONFLICT (product_id) DO UPDATE SET
					name = EXCLUDED.name,
					platform = EXCLUDED.platform,
					duration_days = EXCLUDED.duration_days,
					active = true
			`, p.ProductID, p.Name, p.Platform, p.DurationDays)
			if err != nil {
				return fmt.Errorf("failed to upsert product %s: %w", p.ProductID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return c.Reload(ctx)
}

func (c *DBCatalog) queryProducts(ctx context.Context) ([]Product, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, product_id, name, platform, duration_days
		FROM subscription_products
		WHERE active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.ProductID, &p.Name, &p.Platform, &p.DurationDays); err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating product rows: %w", err)
	}
	return products, nil
}

func index(products []Product, defaultProductID string) map[string]Product {
	m := make(map[string]Product, len(products)+1)
	for _, p := range products {
		if p.ProductID == "" {
			continue
		}
		if p.DurationDays <= 0 {
			p.DurationDays = DefaultDurationDays
		}
		m[p.ProductID] = p
	}
	if len(m) == 0 && defaultProductID != "" {
		m[defaultProductID] = Product{
			ProductID:    defaultProductID,
			Name:         defaultProductID,
			Platform:     "apple",
			DurationDays: DefaultDurationDays,
		}
	}
	return m
}

func sorted(m map[string]Product) []Product {
	out := make([]Product, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
