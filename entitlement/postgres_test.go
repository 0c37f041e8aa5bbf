package entitlement

import (
	"context"
	"os"
	"testing"
	"time"

	"ProPass/postgres"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPGStore connects to TEST_DATABASE_URL and applies the schema.
func newPGStore(t *testing.T) *PGStore {
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
	return NewPGStore(pool)
}

// testUserID returns an id unlikely to collide with other runs against the same database.
func testUserID(t *testing.T, store *PGStore) int {
	t.Helper()
	id := int(uuid.New().ID() & 0x3fffffff)
	t.Cleanup(func() {
		_, _ = store.db.Exec(context.Background(), `DELETE FROM user_entitlements WHERE user_id = $1`, id)
		_, _ = store.db.Exec(context.Background(), `DELETE FROM direct_payments WHERE user_id = $1`, id)
	})
	return id
}

func TestPGStoreUpdateIfNewer(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	userID := testUserID(t, store)
	chain := "chain-" + uuid.NewString()
	at := now.Truncate(time.Microsecond)

	require.NoError(t, store.CreateEmpty(ctx, userID))
	empty, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.False(t, empty.IsActive)
	assert.Empty(t, empty.CorrelationKey)

	newer := Update{Status: StatusActive, IsActive: true, StartedAt: tp(at), ExpiresAt: tp(at.AddDate(0, 0, 30)),
		CorrelationKey: chain, TransactionID: "t2", PurchasedAt: at, ProductID: "pro.monthly", Source: SourceReceipt}
	applied, err := store.UpdateIfNewer(ctx, userID, newer)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.UpdateIfNewer(ctx, userID, newer)
	require.NoError(t, err)
	assert.False(t, applied, "replay")

	older := newer
	older.TransactionID = "t1"
	older.PurchasedAt = at.AddDate(0, 0, -30)
	applied, err = store.UpdateIfNewer(ctx, userID, older)
	require.NoError(t, err)
	assert.False(t, applied, "older purchase")

	refund := newer
	refund.Status = StatusCancelled
	refund.IsActive = false
	applied, err = store.UpdateIfNewer(ctx, userID, refund)
	require.NoError(t, err)
	assert.True(t, applied, "same transaction moving to cancelled")

	got, err := store.FindByCorrelationKey(ctx, chain)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)
	assert.Equal(t, StatusCancelled, got.Status)

	other := testUserID(t, store)
	_, err = store.UpdateIfNewer(ctx, other, newer)
	assert.ErrorIs(t, err, ErrCorrelationConflict)
}

func TestPGStoreExpireIfDue(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	at := now.Truncate(time.Microsecond)

	due := testUserID(t, store)
	fresh := testUserID(t, store)
	for id, expires := range map[int]time.Time{due: at.Add(-time.Hour), fresh: at.Add(time.Hour)} {
		_, err := store.UpdateIfNewer(ctx, id, Update{Status: StatusActive, IsActive: true, ExpiresAt: tp(expires),
			CorrelationKey: uuid.NewString(), TransactionID: uuid.NewString(), PurchasedAt: at.AddDate(0, 0, -30)})
		require.NoError(t, err)
	}

	ids, err := store.ListExpiredCandidates(ctx, at, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, due)
	assert.NotContains(t, ids, fresh)

	flipped, err := store.ExpireIfDue(ctx, fresh, at)
	require.NoError(t, err)
	assert.False(t, flipped)

	flipped, err = store.ExpireIfDue(ctx, due, at)
	require.NoError(t, err)
	assert.True(t, flipped)

	got, err := store.Get(ctx, due)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.False(t, got.IsActive)
}

func TestPGStoreCompareAndSwap(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	userID := testUserID(t, store)
	at := now.Truncate(time.Microsecond)

	first := ExtendDirect(nil, "pay-"+uuid.NewString(), "", time.Hour, at).Update
	swapped, err := store.CompareAndSwap(ctx, userID, "", first)
	require.NoError(t, err)
	assert.True(t, swapped)

	second := ExtendDirect(nil, "pay-"+uuid.NewString(), "", time.Hour, at).Update
	swapped, err = store.CompareAndSwap(ctx, userID, "", second)
	require.NoError(t, err)
	assert.False(t, swapped, "record already has a transaction")

	_, err = store.FindDirectPayment(ctx, second.TransactionID)
	assert.ErrorIs(t, err, ErrNotFound, "a lost swap does not record the payment")

	swapped, err = store.CompareAndSwap(ctx, userID, first.TransactionID, second)
	require.NoError(t, err)
	assert.True(t, swapped)

	owner, err := store.FindDirectPayment(ctx, first.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, userID, owner)

	_, err = store.CompareAndSwap(ctx, userID, second.TransactionID, first)
	assert.ErrorIs(t, err, ErrPaymentApplied)
	got, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, second.TransactionID, got.LatestTransactionID)
}

func TestPGStoreRevokedTransactionStaysCancelled(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	userID := testUserID(t, store)
	tx := transaction("t-"+uuid.NewString(), "chain-"+uuid.NewString(), now.Truncate(time.Microsecond), now.AddDate(0, 0, 30))

	active := Decide(nil, tx, StatusActive, now).Update
	applied, err := store.UpdateIfNewer(ctx, userID, active)
	require.NoError(t, err)
	require.True(t, applied)

	current, err := store.Get(ctx, userID)
	require.NoError(t, err)
	applied, err = store.UpdateIfNewer(ctx, userID, Decide(current, tx, StatusCancelled, now).Update)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.UpdateIfNewer(ctx, userID, active)
	require.NoError(t, err)
	assert.True(t, applied, "a withdrawn cancellation reactivates")

	revoked := tx
	revoked.Revoked = true
	current, err = store.Get(ctx, userID)
	require.NoError(t, err)
	applied, err = store.UpdateIfNewer(ctx, userID, Decide(current, revoked, StatusCancelled, now).Update)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.UpdateIfNewer(ctx, userID, active)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, got.Revoked)
}
