package catalog

import (
	"context"
	"os"
	"testing"

	"ProPass/postgres"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	sqlDB, err := postgres.OpenSQL(url)
	require.NoError(t, err)
	defer sqlDB.Close()
	migrations, err := postgres.Migrations()
	require.NoError(t, err)
	_, err = postgres.Migrate(ctx, sqlDB, migrations)
	require.NoError(t, err)

	pool, err := pgxpool.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestDBCatalogUpsert(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	id := "pro.test." + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM subscription_products WHERE product_id = $1`, id)
	})

	c := NewDBCatalog(pool, "")
	require.NoError(t, c.Upsert(ctx, []Product{{ProductID: id, Name: "Pro"}}))

	p, ok := c.Lookup(ctx, id)
	require.True(t, ok, "upsert reloads the catalog")
	assert.Equal(t, "Pro", p.Name)
	assert.Equal(t, "apple", p.Platform)
	assert.Equal(t, DefaultDurationDays, p.DurationDays)

	require.NoError(t, c.Upsert(ctx, []Product{{ProductID: id, Name: "Pro Yearly", Platform: "stripe", DurationDays: 365}}))
	p, ok = c.Lookup(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "Pro Yearly", p.Name)
	assert.Equal(t, 365, p.DurationDays)

	err := c.Upsert(ctx, []Product{{ProductID: id, Name: "Renamed"}, {Name: "no id"}})
	require.Error(t, err)
	require.NoError(t, c.Reload(ctx))
	p, _ = c.Lookup(ctx, id)
	assert.Equal(t, "Pro Yearly", p.Name, "a failed batch is rolled back")
}
