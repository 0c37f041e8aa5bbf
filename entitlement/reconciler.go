package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ProPass/catalog"
	"ProPass/metrics"
	"ProPass/receipt"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidProduct      = errors.New("product is not in the subscription catalog")
	ErrUserNotFound        = errors.New("no user owns this subscription")
	ErrNoSubscriptionFound = errors.New("no usable subscription transaction")
	ErrCorrelationConflict = errors.New("subscription already belongs to another user")
)

// Reconciliation paths, used as the metrics path label.
const (
	PathReceipt = "receipt"
	PathWebhook = "webhook"
	PathDirect  = "direct"
)

// conditional writes that lose a race are re-decided against the fresh record
const maxAttempts = 3

// Result describes one reconciliation.
type Result struct {
	UserID  int
	Outcome Outcome
	Record  *Record
	Summary Summary
}

// Applied reports whether the stored state changed.
func (r *Result) Applied() bool {
	return r != nil && r.Outcome == OutcomeApplied
}

// Reconciler applies verified transactions to the entitlement store.
type Reconciler struct {
	store   Store
	catalog catalog.Catalog
	now     func() time.Time
}

func NewReconciler(store Store, cat catalog.Catalog) *Reconciler {
	return &Reconciler{store: store, catalog: cat, now: time.Now}
}

// WithClock replaces the reconciler's clock.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Now returns the reconciler's current time.
func (r *Reconciler) Now() time.Time {
	return r.now()
}

// ApplyForUser reconciles a transaction for an already authenticated user.
// The transaction's chain becomes the user's correlation key.
func (r *Reconciler) ApplyForUser(ctx context.Context, userID int, tx receipt.Transaction, status Status, source string) (*Result, error) {
	logger := zerolog.Ctx(ctx)

	tx, err := r.authorize(ctx, PathReceipt, tx)
	if err != nil {
		return nil, err
	}

	owner, err := r.store.FindByCorrelationKey(ctx, tx.OriginalTransactionID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	case owner.UserID != userID:
		logger.Warn().
			Str("anomaly", "correlation_conflict").
			Str("correlation_key", tx.OriginalTransactionID).
			Int("user_id", userID).
			Int("owner_user_id", owner.UserID).
			Msg("Subscription chain already belongs to another user")
		metrics.ReconcileOutcomesTotal.WithLabelValues(PathReceipt, "conflict").Inc()
		return nil, ErrCorrelationConflict
	}

	return r.apply(ctx, PathReceipt, userID, tx, status, source)
}

// ApplyByCorrelation resolves the owning user by the transaction's chain and reconciles.
// ErrUserNotFound is returned, and logged, when nobody owns the chain.
func (r *Reconciler) ApplyByCorrelation(ctx context.Context, tx receipt.Transaction, status Status, source string) (*Result, error) {
	logger := zerolog.Ctx(ctx)

	tx, err := r.authorize(ctx, PathWebhook, tx)
	if err != nil {
		return nil, err
	}

	owner, err := r.store.FindByCorrelationKey(ctx, tx.OriginalTransactionID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn().
			Str("anomaly", "user_not_found").
			Str("correlation_key", tx.OriginalTransactionID).
			Str("transaction_id", tx.TransactionID).
			Msg("No user owns the notified subscription")
		metrics.ReconcileOutcomesTotal.WithLabelValues(PathWebhook, "user_not_found").Inc()
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	return r.apply(ctx, PathWebhook, owner.UserID, tx, status, source)
}

// ApplyDirect activates or renews a user's entitlement from a trusted payment confirmation.
// A payment id is credited at most once, however late it is redelivered.
func (r *Reconciler) ApplyDirect(ctx context.Context, userID int, paymentID, productID string, duration time.Duration) (*Result, error) {
	logger := zerolog.Ctx(ctx)

	if paymentID == "" {
		return nil, fmt.Errorf("payment id is required")
	}
	if duration <= 0 {
		return nil, fmt.Errorf("plan duration must be positive")
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := r.current(ctx, userID)
		if err != nil {
			return nil, err
		}

		owner, err := r.store.FindDirectPayment(ctx, paymentID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, err
		case owner != userID:
			metrics.ReconcileOutcomesTotal.WithLabelValues(PathDirect, "conflict").Inc()
			return nil, ErrCorrelationConflict
		default:
			logger.Debug().Int("user_id", userID).Str("payment_id", paymentID).Msg("Direct payment already credited")
			return r.finish(ctx, PathDirect, userID, OutcomeReplay, current), nil
		}

		now := r.now()
		decision := ExtendDirect(current, paymentID, productID, duration, now)
		if decision.Outcome != OutcomeApplied {
			return r.finish(ctx, PathDirect, userID, decision.Outcome, current), nil
		}

		prev := ""
		if current != nil {
			prev = current.LatestTransactionID
		}
		swapped, err := r.store.CompareAndSwap(ctx, userID, prev, decision.Update)
		if errors.Is(err, ErrPaymentApplied) {
			// credited concurrently; the ledger lookup above settles it
			continue
		}
		if err != nil {
			return nil, err
		}
		if swapped {
			logger.Info().
				Int("user_id", userID).
				Str("payment_id", paymentID).
				Time("expires_at", *decision.Update.ExpiresAt).
				Msg("Direct payment applied")
			record := decision.Update.Apply(userID, now)
			return r.finish(ctx, PathDirect, userID, OutcomeApplied, &record), nil
		}
		logger.Debug().Int("user_id", userID).Int("attempt", attempt+1).Msg("Concurrent entitlement write, retrying")
	}

	metrics.ReconcileOutcomesTotal.WithLabelValues(PathDirect, "contended").Inc()
	return nil, fmt.Errorf("entitlement for user %d kept changing during direct payment", userID)
}

// authorize gates the product and fills a missing expiry from the catalog duration.
func (r *Reconciler) authorize(ctx context.Context, path string, tx receipt.Transaction) (receipt.Transaction, error) {
	if tx.TransactionID == "" || tx.OriginalTransactionID == "" {
		return tx, ErrNoSubscriptionFound
	}

	product, ok := r.catalog.Lookup(ctx, tx.ProductID)
	if !ok {
		zerolog.Ctx(ctx).Error().
			Str("anomaly", "invalid_product").
			Str("product_id", tx.ProductID).
			Str("correlation_key", tx.OriginalTransactionID).
			Str("path", path).
			Msg("Verified transaction for a product outside the catalog")
		metrics.ReconcileOutcomesTotal.WithLabelValues(path, "invalid_product").Inc()
		return tx, ErrInvalidProduct
	}

	if tx.ExpiresAt == nil {
		expires := tx.PurchasedAt.AddDate(0, 0, product.DurationDays)
		tx.ExpiresAt = &expires
	}
	return tx, nil
}

func (r *Reconciler) apply(ctx context.Context, path string, userID int, tx receipt.Transaction, status Status, source string) (*Result, error) {
	logger := zerolog.Ctx(ctx)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := r.current(ctx, userID)
		if err != nil {
			return nil, err
		}

		now := r.now()
		decision := Decide(current, tx, status, now)
		if decision.Outcome != OutcomeApplied {
			logger.Debug().
				Int("user_id", userID).
				Str("transaction_id", tx.TransactionID).
				Str("outcome", string(decision.Outcome)).
				Msg("Transaction does not change entitlement")
			return r.finish(ctx, path, userID, decision.Outcome, current), nil
		}

		decision.Update.Source = source
		applied, err := r.store.UpdateIfNewer(ctx, userID, decision.Update)
		if errors.Is(err, ErrCorrelationConflict) {
			metrics.ReconcileOutcomesTotal.WithLabelValues(path, "conflict").Inc()
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		if applied {
			logger.Info().
				Int("user_id", userID).
				Str("transaction_id", tx.TransactionID).
				Str("status", string(decision.Update.Status)).
				Str("source", source).
				Msg("Entitlement updated")
			record := decision.Update.Apply(userID, now)
			return r.finish(ctx, path, userID, OutcomeApplied, &record), nil
		}
	}

	// every attempt lost to a newer concurrent write
	return r.finish(ctx, path, userID, OutcomeStale, nil), nil
}

func (r *Reconciler) current(ctx context.Context, userID int) (*Record, error) {
	current, err := r.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (r *Reconciler) finish(ctx context.Context, path string, userID int, outcome Outcome, record *Record) *Result {
	metrics.ReconcileOutcomesTotal.WithLabelValues(path, string(outcome)).Inc()
	if record == nil {
		fresh, err := r.current(ctx, userID)
		if err == nil {
			record = fresh
		}
	}
	return &Result{
		UserID:  userID,
		Outcome: outcome,
		Record:  record,
		Summary: record.Summary(r.now()),
	}
}
