package entitlement

import (
	"testing"
	"time"

	"ProPass/receipt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

func transaction(id, chain string, purchased, expires time.Time) receipt.Transaction {
	return receipt.Transaction{
		TransactionID:         id,
		OriginalTransactionID: chain,
		ProductID:             "pro.monthly",
		PurchasedAt:           purchased,
		ExpiresAt:             tp(expires),
	}
}

func recordFrom(t *testing.T, d Decision) *Record {
	t.Helper()
	require.Equal(t, OutcomeApplied, d.Outcome)
	r := d.Update.Apply(1, now)
	return &r
}

func TestDecideFreshActivation(t *testing.T) {
	tx := transaction("t1", "chain-1", now, now.AddDate(0, 0, 30))

	d := Decide(nil, tx, StatusActive, now)
	require.Equal(t, OutcomeApplied, d.Outcome)
	assert.Equal(t, StatusActive, d.Update.Status)
	assert.True(t, d.Update.IsActive)
	assert.Equal(t, now, *d.Update.StartedAt)
	assert.Equal(t, now.AddDate(0, 0, 30), *d.Update.ExpiresAt)
	assert.Equal(t, "chain-1", d.Update.CorrelationKey)
	assert.Equal(t, "t1", d.Update.TransactionID)
}

func TestDecideReplayIsNoop(t *testing.T) {
	tx := transaction("t1", "chain-1", now, now.AddDate(0, 0, 30))
	current := recordFrom(t, Decide(nil, tx, StatusActive, now))

	d := Decide(current, tx, StatusActive, now.Add(time.Hour))
	assert.Equal(t, OutcomeReplay, d.Outcome)
}

func TestDecideOlderTransactionIsStale(t *testing.T) {
	t1 := transaction("t1", "chain-1", now.AddDate(0, 0, -30), now)
	t2 := transaction("t2", "chain-1", now, now.AddDate(0, 0, 30))
	current := recordFrom(t, Decide(nil, t2, StatusActive, now))

	d := Decide(current, t1, StatusActive, now)
	assert.Equal(t, OutcomeStale, d.Outcome)

	d = Decide(current, t1, StatusCancelled, now)
	assert.Equal(t, OutcomeStale, d.Outcome, "older refunds do not touch newer state")
}

func TestDecideRefundKeepsExpiry(t *testing.T) {
	tx := transaction("t1", "chain-1", now, now.AddDate(0, 0, 30))
	current := recordFrom(t, Decide(nil, tx, StatusActive, now))

	refunded := tx
	refunded.ExpiresAt = tp(now.AddDate(0, 0, 5))
	refunded.Revoked = true
	d := Decide(current, refunded, StatusCancelled, now.Add(time.Hour))
	require.Equal(t, OutcomeApplied, d.Outcome)
	assert.Equal(t, StatusCancelled, d.Update.Status)
	assert.False(t, d.Update.IsActive)
	assert.Equal(t, *current.ExpiresAt, *d.Update.ExpiresAt)
	assert.Equal(t, *current.StartedAt, *d.Update.StartedAt)
	assert.True(t, d.Update.Revoked)

	cancelled := recordFrom(t, d)
	assert.Equal(t, OutcomeReplay, Decide(cancelled, refunded, StatusCancelled, now).Outcome)
	assert.Equal(t, OutcomeReplay, Decide(cancelled, tx, StatusActive, now).Outcome,
		"a refunded transaction is not reactivated")
}

func TestDecideRevokedForcesCancelled(t *testing.T) {
	tx := transaction("t1", "chain-1", now, now.AddDate(0, 0, 30))
	tx.Revoked = true

	d := Decide(nil, tx, StatusActive, now)
	require.Equal(t, OutcomeApplied, d.Outcome)
	assert.Equal(t, StatusCancelled, d.Update.Status)
	assert.False(t, d.Update.IsActive)
}

func TestDecideWithdrawnCancellationReactivates(t *testing.T) {
	tx := transaction("t1", "chain-1", now, now.AddDate(0, 0, 30))
	current := recordFrom(t, Decide(nil, tx, StatusActive, now))
	cancelled := recordFrom(t, Decide(current, tx, StatusCancelled, now))

	d := Decide(cancelled, tx, StatusActive, now.Add(time.Hour))
	require.Equal(t, OutcomeApplied, d.Outcome)
	assert.Equal(t, StatusActive, d.Update.Status)
	assert.True(t, d.Update.IsActive)

	late := now.AddDate(0, 0, 31)
	assert.Equal(t, OutcomeReplay, Decide(cancelled, tx, StatusActive, late).Outcome,
		"past its expiry the transaction only resolves to expired")
}

func TestDecidePastExpiryResolvesToExpired(t *testing.T) {
	tx := transaction("t1", "chain-1", now.AddDate(0, 0, -31), now.AddDate(0, 0, -1))

	d := Decide(nil, tx, StatusActive, now)
	require.Equal(t, OutcomeApplied, d.Outcome)
	assert.Equal(t, StatusExpired, d.Update.Status)
	assert.False(t, d.Update.IsActive)
}

func TestSupersedesTieBreaks(t *testing.T) {
	current := &Record{LatestTransactionID: "b", LatestPurchaseAt: tp(now), Status: StatusActive}

	assert.True(t, Supersedes(current, Update{TransactionID: "c", PurchasedAt: now, Status: StatusActive}))
	assert.False(t, Supersedes(current, Update{TransactionID: "a", PurchasedAt: now, Status: StatusActive}))
	assert.True(t, Supersedes(current, Update{TransactionID: "b", PurchasedAt: now, Status: StatusExpired}))
	assert.False(t, Supersedes(current, Update{TransactionID: "b", PurchasedAt: now, Status: StatusActive}))

	cancelled := &Record{LatestTransactionID: "b", LatestPurchaseAt: tp(now), Status: StatusCancelled}
	assert.True(t, Supersedes(cancelled, Update{TransactionID: "b", PurchasedAt: now, Status: StatusActive}))
	assert.True(t, Supersedes(cancelled, Update{TransactionID: "b", PurchasedAt: now, Status: StatusCancelled, Revoked: true}))
	cancelled.Revoked = true
	assert.False(t, Supersedes(cancelled, Update{TransactionID: "b", PurchasedAt: now, Status: StatusActive}))
	assert.False(t, Supersedes(cancelled, Update{TransactionID: "b", PurchasedAt: now, Status: StatusCancelled, Revoked: true}))
	assert.True(t, Supersedes(cancelled, Update{TransactionID: "c", PurchasedAt: now, Status: StatusActive}), "a new transaction still wins")
	assert.True(t, Supersedes(&Record{}, Update{TransactionID: "a", PurchasedAt: now}))
	assert.True(t, Supersedes(nil, Update{}))
}

func TestExtendDirect(t *testing.T) {
	plan := 30 * 24 * time.Hour

	fresh := ExtendDirect(nil, "pay-1", "pro.monthly", plan, now)
	require.Equal(t, OutcomeApplied, fresh.Outcome)
	assert.Equal(t, now.Add(plan), *fresh.Update.ExpiresAt)
	assert.Equal(t, "pay-1", fresh.Update.CorrelationKey)
	assert.Equal(t, SourceDirect, fresh.Update.Source)

	tenDaysLeft := &Record{Status: StatusActive, ExpiresAt: tp(now.AddDate(0, 0, 10)), LatestTransactionID: "pay-1", ProductID: "pro.monthly"}
	renewed := ExtendDirect(tenDaysLeft, "pay-2", "", plan, now)
	require.Equal(t, OutcomeApplied, renewed.Outcome)
	assert.Equal(t, now.AddDate(0, 0, 10).Add(plan), *renewed.Update.ExpiresAt, "remaining paid time is kept")
	assert.Equal(t, now, *renewed.Update.StartedAt)
	assert.Equal(t, "pro.monthly", renewed.Update.ProductID)

	lapsed := &Record{Status: StatusExpired, ExpiresAt: tp(now.AddDate(0, 0, -3)), LatestTransactionID: "pay-1"}
	assert.Equal(t, now.Add(plan), *ExtendDirect(lapsed, "pay-2", "", plan, now).Update.ExpiresAt)

	assert.Equal(t, OutcomeReplay, ExtendDirect(tenDaysLeft, "pay-1", "", plan, now).Outcome)
}

func TestStatusForNotification(t *testing.T) {
	cases := map[string]Status{
		"INITIAL_BUY":          StatusActive,
		"DID_RENEW":            StatusActive,
		"did_recover":          StatusActive,
		"DID_FAIL_TO_RENEW":    StatusExpired,
		"EXPIRED":              StatusExpired,
		"GRACE_PERIOD_EXPIRED": StatusExpired,
		"CANCEL":               StatusCancelled,
		"REFUND":               StatusCancelled,
		"REVOKE":               StatusCancelled,
	}
	for typ, want := range cases {
		got, ok := StatusForNotification(typ)
		assert.True(t, ok, typ)
		assert.Equal(t, want, got, typ)
	}

	_, ok := StatusForNotification("PRICE_INCREASE_CONSENT")
	assert.False(t, ok)
}

func TestStatusFromRenewal(t *testing.T) {
	assert.Equal(t, StatusActive, StatusFromRenewal(receipt.PendingRenewal{}, false))
	assert.Equal(t, StatusActive, StatusFromRenewal(receipt.PendingRenewal{ExpirationIntent: "0"}, true))
	assert.Equal(t, StatusCancelled, StatusFromRenewal(receipt.PendingRenewal{ExpirationIntent: "1"}, true))
}

func TestSummary(t *testing.T) {
	r := &Record{
		Status:    StatusActive,
		IsActive:  true,
		StartedAt: tp(now),
		ExpiresAt: tp(now.Add(10*24*time.Hour - time.Hour)),
	}
	s := r.Summary(now)
	assert.True(t, s.IsActive)
	assert.Equal(t, 10, s.DaysRemaining)
	require.NotNil(t, s.ExpiresAt)

	s = r.Summary(now.AddDate(0, 0, 11))
	assert.False(t, s.IsActive, "past expiry is never active")
	assert.Zero(t, s.DaysRemaining)

	var missing *Record
	assert.Equal(t, StatusExpired, missing.Summary(now).Status)
}
