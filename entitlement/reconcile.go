package entitlement

import (
	"strings"
	"time"

	"ProPass/receipt"
)

// Outcome describes what a reconciliation did to the stored record.
type Outcome string

const (
	// OutcomeApplied means the record moved to a new state.
	OutcomeApplied Outcome = "applied"
	// OutcomeReplay means the same transaction with the same result was already applied.
	OutcomeReplay Outcome = "replay"
	// OutcomeStale means the stored state comes from a newer transaction.
	OutcomeStale Outcome = "stale"
)

// Decision is the result of the pure decision step.
type Decision struct {
	Outcome Outcome
	Update  Update
}

// Supersedes reports whether u may overwrite current. Newer purchases win; on equal
// purchase times the greater transaction id wins. The same transaction may only move
// forward along active -> expired -> cancelled, except that a withdrawn cancellation
// (cancelled -> active) is accepted as long as the transaction was not revoked.
// A revoked transaction never changes again.
// The store's conditional write uses exactly this rule.
func Supersedes(current *Record, u Update) bool {
	if current == nil || current.LatestPurchaseAt == nil {
		return true
	}
	stored := *current.LatestPurchaseAt
	switch {
	case u.PurchasedAt.After(stored):
		return true
	case u.PurchasedAt.Before(stored):
		return false
	case current.LatestTransactionID == "":
		return true
	case u.TransactionID != current.LatestTransactionID:
		return u.TransactionID > current.LatestTransactionID
	case current.Revoked:
		return false
	case u.Revoked:
		return true
	case current.Status == StatusCancelled && u.Status == StatusActive:
		return true
	default:
		return current.Status.rank() < u.Status.rank()
	}
}

// Decide computes the next entitlement state for a verified transaction.
// current is nil when the user has no record yet. Decide never touches storage.
// A revoked transaction always resolves to cancelled.
func Decide(current *Record, tx receipt.Transaction, status Status, now time.Time) Decision {
	if tx.Revoked {
		status = StatusCancelled
	}
	resolved := status
	if status == StatusActive && tx.ExpiresAt != nil && !tx.ExpiresAt.After(now) {
		resolved = StatusExpired
	}

	u := Update{
		Status:         resolved,
		IsActive:       resolved == StatusActive,
		CorrelationKey: tx.OriginalTransactionID,
		TransactionID:  tx.TransactionID,
		PurchasedAt:    tx.PurchasedAt,
		ProductID:      tx.ProductID,
		Revoked:        tx.Revoked,
	}

	if status == StatusActive {
		started := tx.PurchasedAt
		u.StartedAt = &started
		u.ExpiresAt = tx.ExpiresAt
	} else {
		// downgrades keep the paid period that was on record
		if current != nil {
			u.StartedAt = current.StartedAt
			u.ExpiresAt = current.ExpiresAt
		}
		if u.ExpiresAt == nil {
			u.ExpiresAt = tx.ExpiresAt
		}
	}

	if !Supersedes(current, u) {
		if current.LatestTransactionID == tx.TransactionID {
			return Decision{Outcome: OutcomeReplay, Update: u}
		}
		return Decision{Outcome: OutcomeStale, Update: u}
	}
	return Decision{Outcome: OutcomeApplied, Update: u}
}

// ExtendDirect computes the next state for a trusted direct payment. The paid period is
// extended from the current expiry while it is still in the future, otherwise from now.
func ExtendDirect(current *Record, paymentID, productID string, duration time.Duration, now time.Time) Decision {
	base := now
	if current != nil && current.ExpiresAt != nil && current.ExpiresAt.After(now) {
		base = *current.ExpiresAt
	}
	if productID == "" && current != nil {
		productID = current.ProductID
	}

	started := now
	expires := base.Add(duration)
	u := Update{
		Status:         StatusActive,
		IsActive:       true,
		StartedAt:      &started,
		ExpiresAt:      &expires,
		CorrelationKey: paymentID,
		TransactionID:  paymentID,
		PurchasedAt:    now,
		ProductID:      productID,
		Source:         SourceDirect,
	}

	if current != nil && current.LatestTransactionID == paymentID {
		return Decision{Outcome: OutcomeReplay, Update: u}
	}
	return Decision{Outcome: OutcomeApplied, Update: u}
}

// StatusFromRenewal maps the pending renewal entry of a chain to a status.
// An expiration intent marker means the subscription was cancelled.
func StatusFromRenewal(renewal receipt.PendingRenewal, found bool) Status {
	if found && renewal.CancellationIntended() {
		return StatusCancelled
	}
	return StatusActive
}

// IsRevocation reports whether a notification type refunds or revokes the transaction.
// CANCEL is the operator's support-initiated refund.
func IsRevocation(notificationType string) bool {
	switch strings.ToUpper(strings.TrimSpace(notificationType)) {
	case "CANCEL", "REFUND", "REVOKE":
		return true
	default:
		return false
	}
}

// StatusForNotification maps an operator notification type to the resulting status.
// ok is false for types that do not change entitlements.
func StatusForNotification(notificationType string) (status Status, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(notificationType)) {
	case "INITIAL_BUY", "SUBSCRIBED", "DID_RENEW", "INTERACTIVE_RENEWAL", "DID_RECOVER":
		return StatusActive, true
	case "DID_FAIL_TO_RENEW", "EXPIRED", "GRACE_PERIOD_EXPIRED":
		return StatusExpired, true
	case "CANCEL", "DID_CHANGE_RENEWAL_STATUS", "REFUND", "REVOKE":
		return StatusCancelled, true
	default:
		return "", false
	}
}
