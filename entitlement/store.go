package entitlement

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("entitlement not found")
	// ErrPaymentApplied is returned by CompareAndSwap when the payment id was already credited.
	ErrPaymentApplied = errors.New("direct payment already applied")
)

// Store persists entitlement records. Every mutating method is a single conditional
// write or one transaction; none of them read then write across two calls.
type Store interface {
	// Get returns ErrNotFound when the user has no record.
	Get(ctx context.Context, userID int) (*Record, error)
	// FindByCorrelationKey returns ErrNotFound when no user owns the chain.
	FindByCorrelationKey(ctx context.Context, correlationKey string) (*Record, error)
	// UpdateIfNewer writes u only when it supersedes the stored state.
	// It returns ErrCorrelationConflict when another user owns u.CorrelationKey.
	UpdateIfNewer(ctx context.Context, userID int, u Update) (bool, error)
	// CompareAndSwap writes u only when the stored latest transaction id still equals
	// prevTransactionID ("" matches a missing record or one without transactions).
	// u.TransactionID is recorded as an applied direct payment in the same write;
	// ErrPaymentApplied means it had been recorded before.
	CompareAndSwap(ctx context.Context, userID int, prevTransactionID string, u Update) (bool, error)
	// FindDirectPayment returns the user a direct payment was credited to, or ErrNotFound.
	FindDirectPayment(ctx context.Context, paymentID string) (int, error)
	// ListExpiredCandidates returns users whose active entitlement expired at or before now.
	ListExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]int, error)
	// ExpireIfDue flips one record to expired if it is still active and past due.
	ExpireIfDue(ctx context.Context, userID int, now time.Time) (bool, error)
	// CreateEmpty creates the inactive record for a new user. Existing records are left alone.
	CreateEmpty(ctx context.Context, userID int) error
}
