package subscription

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ProPass/common"
	"ProPass/entitlement"
	"ProPass/metrics"
	"ProPass/receipt"

	"github.com/rs/zerolog"
)

const notificationBodyLimit = 1 << 20

// Notification outcomes recorded in the audit log
const (
	OutcomeIgnoredType    = "ignored_type"
	OutcomeUserNotFound   = "user_not_found"
	OutcomeInvalidProduct = "invalid_product"
	OutcomeConflict       = "correlation_conflict"
	OutcomeUnauthorized   = "unauthorized"
	OutcomeMalformed      = "malformed"
	OutcomeForeignBundle  = "foreign_bundle"
	OutcomeFailed         = "failed"
)

var ErrMalformedNotification = errors.New("malformed notification payload")

// AppStoreNotification is a server-to-server subscription status notification.
type AppStoreNotification struct {
	NotificationType string         `json:"notification_type"`
	Password         string         `json:"password"`
	Environment      string         `json:"environment"`
	BundleID         string         `json:"bid"`
	UnifiedReceipt   UnifiedReceipt `json:"unified_receipt"`
}

type UnifiedReceipt struct {
	Status             int                   `json:"status"`
	LatestReceiptInfo  []receipt.ReceiptInfo `json:"latest_receipt_info"`
	PendingRenewalInfo []receipt.RenewalInfo `json:"pending_renewal_info"`
}

// HandledResult is what the ingester did with one notification.
type HandledResult struct {
	Outcome       string
	UserID        int
	TransactionID string
	Summary       *entitlement.Summary
}

// WebhookIngester turns operator notifications into reconciliations.
type WebhookIngester struct {
	reconciler   *entitlement.Reconciler
	audit        AuditLog
	sharedSecret string
	bundleID     string
}

func NewWebhookIngester(reconciler *entitlement.Reconciler, audit AuditLog, sharedSecret, bundleID string) *WebhookIngester {
	return &WebhookIngester{
		reconciler:   reconciler,
		audit:        audit,
		sharedSecret: sharedSecret,
		bundleID:     bundleID,
	}
}

// HandleNotification reconciles the latest transaction of a notification.
// Unknown users, unknown products and unrecognized types are handled results, not errors.
func (i *WebhookIngester) HandleNotification(ctx context.Context, n *AppStoreNotification) (*HandledResult, error) {
	logger := zerolog.Ctx(ctx)

	status, ok := entitlement.StatusForNotification(n.NotificationType)
	if !ok {
		logger.Warn().
			Str("anomaly", "unrecognized_notification_type").
			Str("notification_type", n.NotificationType).
			Msg("Ignoring notification type")
		return &HandledResult{Outcome: OutcomeIgnoredType}, nil
	}

	txs, parseErrs := receipt.NormalizeAll(n.UnifiedReceipt.LatestReceiptInfo)
	for _, err := range parseErrs {
		logger.Warn().Err(err).Str("notification_type", n.NotificationType).Msg("Skipping unusable notification entry")
	}
	latest, ok := receipt.Latest(txs)
	if !ok {
		return nil, fmt.Errorf("%w: no transactions in unified receipt", ErrMalformedNotification)
	}

	if entitlement.IsRevocation(n.NotificationType) {
		latest.Revoked = true
	}

	renewals := receipt.NormalizeRenewals(n.UnifiedReceipt.PendingRenewalInfo)
	if strings.EqualFold(n.NotificationType, "DID_CHANGE_RENEWAL_STATUS") {
		if renewal, found := receipt.FindRenewal(renewals, latest.OriginalTransactionID); found && renewal.AutoRenew {
			// turning auto-renew back on withdraws an earlier cancellation
			logger.Info().
				Str("correlation_key", latest.OriginalTransactionID).
				Msg("Auto-renew turned back on")
			status = entitlement.StatusActive
		}
	}

	result, err := i.reconciler.ApplyByCorrelation(ctx, latest, status, entitlement.SourceWebhook)
	switch {
	case errors.Is(err, entitlement.ErrUserNotFound):
		return &HandledResult{Outcome: OutcomeUserNotFound, TransactionID: latest.TransactionID}, nil
	case errors.Is(err, entitlement.ErrInvalidProduct):
		return &HandledResult{Outcome: OutcomeInvalidProduct, TransactionID: latest.TransactionID}, nil
	case errors.Is(err, entitlement.ErrCorrelationConflict):
		logger.Error().
			Str("anomaly", "correlation_conflict").
			Str("correlation_key", latest.OriginalTransactionID).
			Msg("Notification chain collides with another user")
		return &HandledResult{Outcome: OutcomeConflict, TransactionID: latest.TransactionID}, nil
	case err != nil:
		return nil, err
	}

	return &HandledResult{
		Outcome:       string(result.Outcome),
		UserID:        result.UserID,
		TransactionID: latest.TransactionID,
		Summary:       &result.Summary,
	}, nil
}

// HandleAppStoreNotification is the HTTP endpoint for App Store notifications. It answers
// 200 for everything except malformed payloads (400), a wrong password (401) and internal
// failures (500), so the operator only retries deliveries that can still succeed.
func (i *WebhookIngester) HandleAppStoreNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	start := time.Now()
	notificationType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(SourceAppStore, notificationType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(SourceAppStore).Observe(time.Since(start).Seconds())
	}()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, notificationBodyLimit))
	if err != nil {
		status = http.StatusBadRequest
		common.WriteError(w, status, "failed to read request body")
		return
	}

	record := NotificationRecord{Source: SourceAppStore, Payload: payload}
	finish := func(code int, outcome string, procErr error) {
		status = code
		record.Outcome = outcome
		if procErr != nil {
			record.Error = procErr.Error()
		}
		if i.audit == nil {
			return
		}
		if err := i.audit.RecordNotification(ctx, record); err != nil {
			logger.Error().Err(err).Msg("Failed to record notification")
		}
	}

	var n AppStoreNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		logger.Warn().Err(err).Msg("Failed to decode notification")
		finish(http.StatusBadRequest, OutcomeMalformed, err)
		common.WriteError(w, http.StatusBadRequest, "invalid notification payload")
		return
	}
	notificationType = typeLabel(n.NotificationType)
	record.NotificationType = n.NotificationType

	if i.sharedSecret != "" && subtle.ConstantTimeCompare([]byte(n.Password), []byte(i.sharedSecret)) != 1 {
		logger.Warn().
			Str("anomaly", "bad_notification_password").
			Str("notification_type", n.NotificationType).
			Msg("Notification password does not match shared secret")
		finish(http.StatusUnauthorized, OutcomeUnauthorized, nil)
		common.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if i.bundleID != "" && n.BundleID != "" && n.BundleID != i.bundleID {
		logger.Warn().
			Str("anomaly", "foreign_bundle").
			Str("bundle_id", n.BundleID).
			Msg("Notification for another bundle, acknowledging")
		finish(http.StatusOK, OutcomeForeignBundle, nil)
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := i.HandleNotification(ctx, &n)
	if errors.Is(err, ErrMalformedNotification) {
		logger.Warn().Err(err).Str("notification_type", n.NotificationType).Msg("Rejecting notification")
		finish(http.StatusBadRequest, OutcomeMalformed, err)
		common.WriteError(w, http.StatusBadRequest, "invalid notification payload")
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("notification_type", n.NotificationType).Msg("Failed to process notification")
		finish(http.StatusInternalServerError, OutcomeFailed, err)
		common.WriteError(w, http.StatusInternalServerError, "failed to process notification")
		return
	}

	logger.Info().
		Str("notification_type", n.NotificationType).
		Str("outcome", result.Outcome).
		Str("transaction_id", result.TransactionID).
		Msg("Notification handled")
	finish(http.StatusOK, result.Outcome, nil)
	w.WriteHeader(http.StatusOK)
}

// typeLabel bounds the metric label to known notification types.
func typeLabel(notificationType string) string {
	if _, ok := entitlement.StatusForNotification(notificationType); ok {
		return strings.ToUpper(notificationType)
	}
	return "other"
}
