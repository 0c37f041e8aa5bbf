package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticCatalog(t *testing.T) {
	ctx := context.Background()
	c := NewStatic("fallback", Product{ProductID: "pro.monthly", DurationDays: 30})

	assert.True(t, c.IsAllowed(ctx, "pro.monthly"))
	assert.False(t, c.IsAllowed(ctx, "fallback"), "fallback only applies to an empty list")
	assert.False(t, c.IsAllowed(ctx, ""))
	assert.False(t, c.IsAllowed(ctx, "pro.yearly"))
}

func TestStaticCatalogFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	c := NewStatic("pro.default")

	p, ok := c.Lookup(ctx, "pro.default")
	require.True(t, ok)
	assert.Equal(t, DefaultDurationDays, p.DurationDays)
	assert.Len(t, c.List(ctx), 1)

	assert.False(t, NewStatic("").IsAllowed(ctx, ""))
}

func TestDBCatalogFailsClosed(t *testing.T) {
	ctx := context.Background()
	var loadErr error
	products := []Product{{ProductID: "pro.monthly", DurationDays: 30}, {ProductID: "pro.yearly", DurationDays: 365}}

	c := &DBCatalog{defaultProductID: "pro.default"}
	c.load = func(context.Context) ([]Product, error) { return products, loadErr }

	assert.False(t, c.IsAllowed(ctx, "pro.monthly"), "nothing allowed before the first load")

	require.NoError(t, c.Reload(ctx))
	assert.True(t, c.IsAllowed(ctx, "pro.yearly"))
	assert.False(t, c.IsAllowed(ctx, "pro.default"))
	assert.Len(t, c.List(ctx), 2)

	loadErr = errors.New("connection refused")
	require.Error(t, c.Reload(ctx))
	assert.False(t, c.IsAllowed(ctx, "pro.monthly"))
	assert.Empty(t, c.List(ctx))

	loadErr = nil
	products = nil
	require.NoError(t, c.Reload(ctx))
	assert.True(t, c.IsAllowed(ctx, "pro.default"))
}
