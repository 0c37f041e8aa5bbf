package receipt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func info(txID, origID, product string, purchased, expires time.Time) ReceiptInfo {
	return ReceiptInfo{
		TransactionID:         txID,
		OriginalTransactionID: origID,
		ProductID:             product,
		PurchaseDateMs:        MillisFrom(purchased),
		ExpiresDateMs:         MillisFrom(expires),
	}
}

type fakeVerifier struct {
	server *httptest.Server
	calls  atomic.Int32
	mu     sync.Mutex
	last   verifyRequest
	reply  func(req verifyRequest) (int, interface{})
}

func newFakeVerifier(t *testing.T, reply func(req verifyRequest) (int, interface{})) *fakeVerifier {
	t.Helper()
	f := &fakeVerifier{reply: reply}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		var req verifyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.last = req
		f.mu.Unlock()
		code, body := f.reply(req)
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func statusOnly(status int) func(verifyRequest) (int, interface{}) {
	return func(verifyRequest) (int, interface{}) {
		return http.StatusOK, verifyResponse{Status: status}
	}
}

func newTestVerifier(production, sandbox string) *Verifier {
	return NewVerifier(Config{
		ProductionURL: production,
		SandboxURL:    sandbox,
		SharedSecret:  "shh",
		Timeout:       2 * time.Second,
		Now:           func() time.Time { return fixedNow },
	})
}

func TestVerifySelectsLatestTransaction(t *testing.T) {
	prod := newFakeVerifier(t, func(verifyRequest) (int, interface{}) {
		return http.StatusOK, verifyResponse{
			Status:      0,
			Environment: EnvironmentProduction,
			LatestReceiptInfo: []ReceiptInfo{
				info("t2", "o1", "pro.monthly", fixedNow.AddDate(0, 0, -5), fixedNow.AddDate(0, 0, 25)),
				info("t1", "o1", "pro.monthly", fixedNow.AddDate(0, 0, -35), fixedNow.AddDate(0, 0, -5)),
			},
			PendingRenewalInfo: []RenewalInfo{{OriginalTransactionID: "o1", AutoRenewStatus: "1"}},
		}
	})
	sandbox := newFakeVerifier(t, statusOnly(0))

	v := newTestVerifier(prod.server.URL, sandbox.server.URL)
	got, err := v.Verify(context.Background(), []byte("receipt-bytes"))
	require.NoError(t, err)

	assert.Equal(t, "t2", got.Current.TransactionID)
	assert.Len(t, got.Transactions, 2)
	assert.Equal(t, EnvironmentProduction, got.Environment)
	renewal, ok := got.RenewalFor("o1")
	require.True(t, ok)
	assert.True(t, renewal.AutoRenew)
	assert.False(t, renewal.CancellationIntended())

	assert.Equal(t, int32(0), sandbox.calls.Load())
	prod.mu.Lock()
	defer prod.mu.Unlock()
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("receipt-bytes")), prod.last.ReceiptData)
	assert.Equal(t, "shh", prod.last.Password)
	assert.False(t, prod.last.ExcludeOldTransactions)
}

func TestVerifyFallsBackToSandbox(t *testing.T) {
	prod := newFakeVerifier(t, statusOnly(StatusSandboxReceipt))
	sandbox := newFakeVerifier(t, func(verifyRequest) (int, interface{}) {
		return http.StatusOK, verifyResponse{
			Status:            0,
			LatestReceiptInfo: []ReceiptInfo{info("t1", "o1", "pro.monthly", fixedNow, fixedNow.AddDate(0, 0, 30))},
		}
	})

	v := newTestVerifier(prod.server.URL, sandbox.server.URL)
	got, err := v.Verify(context.Background(), []byte("r"))
	require.NoError(t, err)

	assert.Equal(t, EnvironmentSandbox, got.Environment)
	assert.Equal(t, int32(1), prod.calls.Load())
	assert.Equal(t, int32(1), sandbox.calls.Load())
}

func TestVerifyDoesNotUseSandboxForProductionFailures(t *testing.T) {
	prod := newFakeVerifier(t, statusOnly(StatusProductionReceipt))
	sandbox := newFakeVerifier(t, statusOnly(0))

	v := newTestVerifier(prod.server.URL, sandbox.server.URL)
	_, err := v.Verify(context.Background(), []byte("r"))
	require.Error(t, err)

	assert.Equal(t, KindRejected, KindOf(err), "environment mismatch is never surfaced")
	assert.Equal(t, int32(0), sandbox.calls.Load())
}

func TestVerifyStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{StatusMalformedRequest, ErrMalformedReceipt},
		{StatusMalformedReceipt, ErrMalformedReceipt},
		{StatusNotAuthenticated, ErrUnauthenticated},
		{StatusSharedSecretInvalid, ErrUnauthenticated},
		{StatusServerUnavailable, ErrUnreachable},
		{StatusSubscriptionExpired, ErrAlreadyExpired},
		{21150, ErrUnreachable},
		{12345, ErrRejected},
	}
	for _, tc := range cases {
		prod := newFakeVerifier(t, statusOnly(tc.status))
		v := newTestVerifier(prod.server.URL, prod.server.URL)

		_, err := v.Verify(context.Background(), []byte("r"))
		require.Error(t, err)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)

		var verr *VerificationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, tc.status, verr.Status)
	}
}

func TestVerifyEmptyTransactionList(t *testing.T) {
	prod := newFakeVerifier(t, statusOnly(0))
	v := newTestVerifier(prod.server.URL, prod.server.URL)

	_, err := v.Verify(context.Background(), []byte("r"))
	assert.ErrorIs(t, err, ErrNoSubscriptionFound)
}

func TestVerifyAlreadyExpired(t *testing.T) {
	expired := fixedNow.Add(-time.Hour)
	prod := newFakeVerifier(t, func(verifyRequest) (int, interface{}) {
		return http.StatusOK, verifyResponse{
			LatestReceiptInfo: []ReceiptInfo{info("t1", "o1", "pro.monthly", fixedNow.AddDate(0, 0, -30), expired)},
		}
	})
	v := newTestVerifier(prod.server.URL, prod.server.URL)

	_, err := v.Verify(context.Background(), []byte("r"))
	require.ErrorIs(t, err, ErrAlreadyExpired)

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.NotNil(t, verr.ExpiresAt)
	assert.True(t, verr.ExpiresAt.Equal(expired.Truncate(time.Millisecond)))
	assert.False(t, verr.Retryable())
}

func TestVerifyTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	v := NewVerifier(Config{ProductionURL: slow.URL, SandboxURL: slow.URL, Timeout: 50 * time.Millisecond})
	_, err := v.Verify(context.Background(), []byte("r"))
	require.ErrorIs(t, err, ErrTimeout)

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Retryable())
}

func TestVerifyUnreachable(t *testing.T) {
	down := newFakeVerifier(t, func(verifyRequest) (int, interface{}) {
		return http.StatusServiceUnavailable, map[string]string{"error": "down"}
	})
	v := newTestVerifier(down.server.URL, down.server.URL)

	_, err := v.Verify(context.Background(), []byte("r"))
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = v.Verify(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMalformedReceipt)
}

func TestLatestBreaksTies(t *testing.T) {
	at := fixedNow
	short := at.Add(time.Hour)
	long := at.Add(2 * time.Hour)

	got, ok := Latest([]Transaction{
		{TransactionID: "a", PurchasedAt: at, ExpiresAt: &short},
		{TransactionID: "b", PurchasedAt: at, ExpiresAt: &long},
	})
	require.True(t, ok)
	assert.Equal(t, "b", got.TransactionID)

	_, ok = Latest(nil)
	assert.False(t, ok)
}

func TestMillisAcceptsStringsAndNumbers(t *testing.T) {
	var entry ReceiptInfo
	require.NoError(t, json.Unmarshal([]byte(`{"transaction_id":"1","original_transaction_id":"1","purchase_date_ms":1714564800000,"expires_date_ms":"1717243200000"}`), &entry))

	tx, err := entry.Normalize()
	require.NoError(t, err)
	assert.Equal(t, int64(1714564800000), tx.PurchasedAt.UnixMilli())
	require.NotNil(t, tx.ExpiresAt)
	assert.Equal(t, int64(1717243200000), tx.ExpiresAt.UnixMilli())

	_, err = ReceiptInfo{TransactionID: "1", OriginalTransactionID: "1"}.Normalize()
	assert.Error(t, err)
}

func TestNormalizeMarksCancelledTransactionsRevoked(t *testing.T) {
	var entry ReceiptInfo
	require.NoError(t, json.Unmarshal([]byte(`{"transaction_id":"1","original_transaction_id":"1","purchase_date_ms":"1714564800000","cancellation_date_ms":"1715000000000"}`), &entry))

	tx, err := entry.Normalize()
	require.NoError(t, err)
	assert.True(t, tx.Revoked)

	entry.CancellationDateMs = ""
	tx, err = entry.Normalize()
	require.NoError(t, err)
	assert.False(t, tx.Revoked)
}

func TestMaskSecretValue(t *testing.T) {
	assert.Equal(t, "[empty]", MaskSecretValue(""))
	assert.Equal(t, "****", MaskSecretValue("short"))
	assert.Equal(t, "abcd****wxyz", MaskSecretValue("abcdefghwxyz"))
}
