package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Legacy verifyReceipt request body
type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type verifyResponse struct {
	Status             int           `json:"status"`
	Environment        string        `json:"environment"`
	LatestReceiptInfo  []ReceiptInfo `json:"latest_receipt_info"`
	PendingRenewalInfo []RenewalInfo `json:"pending_renewal_info"`
}

// ReceiptInfo is one entry of latest_receipt_info, as sent by the verifier and by notifications.
type ReceiptInfo struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	PurchaseDateMs        Millis `json:"purchase_date_ms"`
	ExpiresDateMs         Millis `json:"expires_date_ms"`
	CancellationDateMs    Millis `json:"cancellation_date_ms"`
}

// RenewalInfo is one entry of pending_renewal_info.
type RenewalInfo struct {
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"auto_renew_product_id"`
	AutoRenewStatus       string `json:"auto_renew_status"`
	ExpirationIntent      string `json:"expiration_intent"`
}

// Millis is a unix-millisecond timestamp that may arrive as a JSON string or number.
type Millis string

func (m *Millis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = Millis(strings.TrimSpace(s))
		return nil
	}
	*m = Millis(b)
	return nil
}

// Time parses the value; an empty value yields nil.
func (m Millis) Time() (*time.Time, error) {
	if m == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(string(m), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid millisecond timestamp %q: %w", string(m), err)
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

// MillisFrom formats t as a Millis value.
func MillisFrom(t time.Time) Millis {
	return Millis(strconv.FormatInt(t.UnixMilli(), 10))
}

// Transaction is a normalized, verified subscription transaction.
// Revoked is set for transactions the operator refunded or revoked.
type Transaction struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	PurchasedAt           time.Time
	ExpiresAt             *time.Time
	Revoked               bool
}

// PendingRenewal carries the renewal intent for one subscription chain.
type PendingRenewal struct {
	OriginalTransactionID string
	ProductID             string
	AutoRenew             bool
	ExpirationIntent      string
}

// CancellationIntended reports whether the chain carries an expiration intent marker.
func (p PendingRenewal) CancellationIntended() bool {
	return p.ExpirationIntent != "" && p.ExpirationIntent != "0"
}

// VerifiedReceipt is the verifier's normalized answer.
type VerifiedReceipt struct {
	Environment     string
	Current         Transaction
	Transactions    []Transaction
	PendingRenewals []PendingRenewal
}

// RenewalFor returns the pending renewal entry for a chain.
func (r *VerifiedReceipt) RenewalFor(originalTransactionID string) (PendingRenewal, bool) {
	return FindRenewal(r.PendingRenewals, originalTransactionID)
}

// Normalize converts the wire entry, rejecting entries without identifiers or purchase time.
func (ri ReceiptInfo) Normalize() (Transaction, error) {
	if ri.TransactionID == "" || ri.OriginalTransactionID == "" {
		return Transaction{}, fmt.Errorf("receipt entry missing transaction identifiers")
	}
	purchased, err := ri.PurchaseDateMs.Time()
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction %s: %w", ri.TransactionID, err)
	}
	if purchased == nil {
		return Transaction{}, fmt.Errorf("transaction %s has no purchase date", ri.TransactionID)
	}
	expires, err := ri.ExpiresDateMs.Time()
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction %s: %w", ri.TransactionID, err)
	}
	cancelled, err := ri.CancellationDateMs.Time()
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction %s: %w", ri.TransactionID, err)
	}
	return Transaction{
		TransactionID:         ri.TransactionID,
		OriginalTransactionID: ri.OriginalTransactionID,
		ProductID:             ri.ProductID,
		PurchasedAt:           *purchased,
		ExpiresAt:             expires,
		Revoked:               cancelled != nil,
	}, nil
}

// NormalizeAll converts every usable entry and returns the ones that could not be parsed as errors.
func NormalizeAll(infos []ReceiptInfo) ([]Transaction, []error) {
	txs := make([]Transaction, 0, len(infos))
	var errs []error
	for _, info := range infos {
		tx, err := info.Normalize()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		txs = append(txs, tx)
	}
	return txs, errs
}

// NormalizeRenewals converts pending_renewal_info entries.
func NormalizeRenewals(infos []RenewalInfo) []PendingRenewal {
	out := make([]PendingRenewal, 0, len(infos))
	for _, info := range infos {
		out = append(out, PendingRenewal{
			OriginalTransactionID: info.OriginalTransactionID,
			ProductID:             info.ProductID,
			AutoRenew:             info.AutoRenewStatus == "1",
			ExpirationIntent:      info.ExpirationIntent,
		})
	}
	return out
}

// FindRenewal returns the renewal entry for a chain.
func FindRenewal(renewals []PendingRenewal, originalTransactionID string) (PendingRenewal, bool) {
	for _, r := range renewals {
		if r.OriginalTransactionID == originalTransactionID {
			return r, true
		}
	}
	return PendingRenewal{}, false
}

// Latest picks the transaction with the greatest purchase time.
// Ties break on the later expiry, then on the transaction id.
func Latest(txs []Transaction) (Transaction, bool) {
	if len(txs) == 0 {
		return Transaction{}, false
	}
	ordered := make([]Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.PurchasedAt.Equal(b.PurchasedAt) {
			return a.PurchasedAt.After(b.PurchasedAt)
		}
		ae, be := expiryOf(a), expiryOf(b)
		if !ae.Equal(be) {
			return ae.After(be)
		}
		return a.TransactionID > b.TransactionID
	})
	return ordered[0], true
}

func expiryOf(tx Transaction) time.Time {
	if tx.ExpiresAt == nil {
		return time.Time{}
	}
	return *tx.ExpiresAt
}
