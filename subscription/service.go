package subscription

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"ProPass/catalog"
	"ProPass/entitlement"
	"ProPass/receipt"

	"github.com/rs/zerolog"
)

// Error kinds reported to callers alongside receipt.Kind values
const (
	KindInvalidProduct      = "invalid_product"
	KindCorrelationConflict = "correlation_conflict"
	KindInternal            = "internal"
)

// ReceiptVerifier verifies client-submitted receipts.
type ReceiptVerifier interface {
	Verify(ctx context.Context, receiptBlob []byte) (*receipt.VerifiedReceipt, error)
}

// Config for the subscription service
type Config struct {
	PlanDuration     time.Duration
	DefaultProductID string
}

type SubscriptionService struct {
	reconciler *entitlement.Reconciler
	store      entitlement.Store
	verifier   ReceiptVerifier
	catalog    catalog.Catalog
	config     Config
}

type PurchaseRequest struct {
	ReceiptData string `json:"receipt_data"`
	Platform    string `json:"platform"`
}

type PurchaseResponse struct {
	Success      bool                 `json:"success"`
	Message      string               `json:"message"`
	ErrorKind    string               `json:"error_kind,omitempty"`
	Subscription *entitlement.Summary `json:"subscription,omitempty"`
}

type PaymentRequest struct {
	PaymentID string `json:"payment_id"`
	ProductID string `json:"product_id"`
}

func NewSubscriptionService(store entitlement.Store, reconciler *entitlement.Reconciler, verifier ReceiptVerifier, cat catalog.Catalog, config Config) *SubscriptionService {
	if config.PlanDuration <= 0 {
		config.PlanDuration = catalog.DefaultDurationDays * 24 * time.Hour
	}
	return &SubscriptionService{
		reconciler: reconciler,
		store:      store,
		verifier:   verifier,
		catalog:    cat,
		config:     config,
	}
}

// CreateEntitlement creates the empty record for a newly created user.
func (s *SubscriptionService) CreateEntitlement(ctx context.Context, userID int) error {
	return s.store.CreateEmpty(ctx, userID)
}

// GetUserSubscription returns the entitlement summary, expiring a stale active record first.
func (s *SubscriptionService) GetUserSubscription(ctx context.Context, userID int) (*entitlement.Summary, error) {
	record, err := s.currentRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	summary := record.Summary(s.reconciler.Now())
	return &summary, nil
}

// HasActiveSubscription reports whether the user is entitled to the professional tier.
func (s *SubscriptionService) HasActiveSubscription(ctx context.Context, userID int) (bool, error) {
	record, err := s.currentRecord(ctx, userID)
	if err != nil {
		return false, err
	}
	return record.ActiveAt(s.reconciler.Now()), nil
}

// currentRecord loads the record and lazily applies an overdue expiry.
func (s *SubscriptionService) currentRecord(ctx context.Context, userID int) (*entitlement.Record, error) {
	logger := zerolog.Ctx(ctx)

	record, err := s.store.Get(ctx, userID)
	if errors.Is(err, entitlement.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}

	now := s.reconciler.Now()
	if record.Status == entitlement.StatusActive && !record.ActiveAt(now) {
		expired, err := s.store.ExpireIfDue(ctx, userID, now)
		if err != nil {
			logger.Warn().Err(err).Int("user_id", userID).Msg("Failed to expire overdue entitlement")
		} else if expired {
			record.Status = entitlement.StatusExpired
			record.IsActive = false
		}
	}
	return record, nil
}

// ProcessPurchase verifies an app store receipt and reconciles its latest transaction.
// A non-nil response is always safe to send to the client, also when err is set.
func (s *SubscriptionService) ProcessPurchase(ctx context.Context, userID int, request *PurchaseRequest) (*PurchaseResponse, error) {
	logger := zerolog.Ctx(ctx)

	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(request.ReceiptData))
	if err != nil || len(blob) == 0 {
		return failure(string(receipt.KindMalformedReceipt)), &receipt.VerificationError{Kind: receipt.KindMalformedReceipt, Err: err}
	}

	verified, err := s.verifier.Verify(ctx, blob)
	if err != nil {
		kind := receipt.KindOf(err)
		if kind == "" {
			kind = receipt.KindUnreachable
		}
		logger.Warn().Err(err).Int("user_id", userID).Str("error_kind", string(kind)).Msg("Receipt verification failed")
		return failure(string(kind)), err
	}

	current := verified.Current
	renewal, found := verified.RenewalFor(current.OriginalTransactionID)
	status := entitlement.StatusFromRenewal(renewal, found)

	logger.Info().
		Int("user_id", userID).
		Str("transaction_id", current.TransactionID).
		Str("product_id", current.ProductID).
		Str("environment", verified.Environment).
		Msg("Receipt verified")

	result, err := s.reconciler.ApplyForUser(ctx, userID, current, status, entitlement.SourceReceipt)
	switch {
	case errors.Is(err, entitlement.ErrInvalidProduct):
		return failure(KindInvalidProduct), err
	case errors.Is(err, entitlement.ErrCorrelationConflict):
		return failure(KindCorrelationConflict), err
	case errors.Is(err, entitlement.ErrNoSubscriptionFound):
		return failure(string(receipt.KindNoSubscriptionFound)), err
	case err != nil:
		logger.Error().Err(err).Int("user_id", userID).Msg("Failed to apply verified receipt")
		return failure(KindInternal), err
	}

	message := "Subscription activated"
	switch {
	case !result.Applied():
		message = "Subscription already up to date"
	case result.Summary.Status == entitlement.StatusCancelled:
		message = "Subscription was cancelled"
	case result.Summary.Status == entitlement.StatusExpired:
		message = "Subscription has expired"
	}
	return &PurchaseResponse{
		Success:      result.Summary.IsActive,
		Message:      message,
		Subscription: &result.Summary,
	}, nil
}

// ActivateDirect grants the entitlement for a payment confirmed by a trusted provider.
func (s *SubscriptionService) ActivateDirect(ctx context.Context, userID int, request *PaymentRequest) (*entitlement.Summary, error) {
	return s.applyDirect(ctx, userID, request)
}

// RenewDirect extends the entitlement by one plan period. Time left on the current
// period is kept.
func (s *SubscriptionService) RenewDirect(ctx context.Context, userID int, request *PaymentRequest) (*entitlement.Summary, error) {
	return s.applyDirect(ctx, userID, request)
}

func (s *SubscriptionService) applyDirect(ctx context.Context, userID int, request *PaymentRequest) (*entitlement.Summary, error) {
	productID := request.ProductID
	if productID == "" {
		productID = s.config.DefaultProductID
	}
	duration := s.config.PlanDuration
	if product, ok := s.catalog.Lookup(ctx, productID); ok && request.ProductID != "" {
		duration = time.Duration(product.DurationDays) * 24 * time.Hour
	}

	result, err := s.reconciler.ApplyDirect(ctx, userID, strings.TrimSpace(request.PaymentID), productID, duration)
	if err != nil {
		return nil, err
	}
	return &result.Summary, nil
}

// GetSubscriptionProducts lists the catalog, optionally filtered by platform.
func (s *SubscriptionService) GetSubscriptionProducts(ctx context.Context, platform string) []catalog.Product {
	products := s.catalog.List(ctx)
	if platform == "" {
		return products
	}
	filtered := make([]catalog.Product, 0, len(products))
	for _, p := range products {
		if strings.EqualFold(p.Platform, platform) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

func failure(kind string) *PurchaseResponse {
	return &PurchaseResponse{Success: false, Message: messageFor(kind), ErrorKind: kind}
}

func messageFor(kind string) string {
	switch kind {
	case string(receipt.KindMalformedReceipt):
		return "The receipt could not be read"
	case string(receipt.KindUnauthenticated):
		return "The receipt could not be authenticated"
	case string(receipt.KindAlreadyExpired):
		return "This subscription has already expired"
	case string(receipt.KindNoSubscriptionFound):
		return "No subscription was found in the receipt"
	case string(receipt.KindTimeout), string(receipt.KindUnreachable):
		return "Receipt verification is temporarily unavailable, please try again"
	case KindInvalidProduct:
		return "This product does not grant a subscription"
	case KindCorrelationConflict:
		return "This subscription is already linked to another account"
	case string(receipt.KindRejected):
		return "The receipt was rejected"
	default:
		return "Failed to process purchase"
	}
}
