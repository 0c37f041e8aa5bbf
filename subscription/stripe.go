package subscription

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ProPass/common"
	"ProPass/metrics"

	"github.com/rs/zerolog"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const stripeBodyLimit = 1 << 20

// StripeWebhookHandler feeds signature-verified Stripe payments into the direct payment path.
type StripeWebhookHandler struct {
	secret  string
	service *SubscriptionService
	audit   AuditLog
}

// checkoutSession is the subset of a checkout.session object used here.
type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentIntent     string            `json:"payment_intent"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

// invoice is the subset of an invoice object used for renewals.
type invoice struct {
	ID                  string `json:"id"`
	BillingReason       string `json:"billing_reason"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

func NewStripeWebhookHandler(secret string, service *SubscriptionService, audit AuditLog) *StripeWebhookHandler {
	return &StripeWebhookHandler{secret: secret, service: service, audit: audit}
}

func (h *StripeWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(SourceStripe, eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(SourceStripe).Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		common.WriteError(w, status, "webhook secret not configured")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, stripeBodyLimit))
	if err != nil {
		status = http.StatusBadRequest
		common.WriteError(w, status, "failed to read request body")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Rejecting Stripe webhook with invalid signature")
		status = http.StatusBadRequest
		common.WriteError(w, status, "invalid Stripe signature")
		return
	}
	switch event.Type {
	case "checkout.session.completed", "invoice.paid":
		eventType = string(event.Type)
	default:
		eventType = "other"
	}

	outcome, err := h.handleEvent(r, &event)
	h.record(r, string(event.Type), payload, outcome, err)
	if err != nil {
		logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		common.WriteError(w, status, "processing failed")
		return
	}

	common.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *StripeWebhookHandler) handleEvent(r *http.Request, event *stripelib.Event) (string, error) {
	logger := zerolog.Ctx(r.Context())

	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return OutcomeMalformed, fmt.Errorf("decode checkout.session: %w", err)
		}
		if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
			logger.Info().Str("session_id", session.ID).Str("payment_status", session.PaymentStatus).Msg("Checkout not paid yet")
			return OutcomeIgnoredType, nil
		}
		userID, ok := referencedUser(session.ClientReferenceID, session.Metadata)
		if !ok {
			logger.Warn().Str("anomaly", "user_not_found").Str("session_id", session.ID).Msg("Checkout session without a user reference")
			return OutcomeUserNotFound, nil
		}
		paymentID := session.PaymentIntent
		if paymentID == "" {
			paymentID = session.ID
		}
		summary, err := h.service.ActivateDirect(r.Context(), userID, &PaymentRequest{PaymentID: paymentID, ProductID: session.Metadata["product_id"]})
		if err != nil {
			return OutcomeFailed, err
		}
		logger.Info().Int("user_id", userID).Str("status", string(summary.Status)).Msg("Stripe checkout applied")
		return "applied", nil

	case "invoice.paid":
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return OutcomeMalformed, fmt.Errorf("decode invoice: %w", err)
		}
		// the first invoice is covered by checkout.session.completed
		if inv.BillingReason != "subscription_cycle" {
			return OutcomeIgnoredType, nil
		}
		userID, ok := referencedUser("", inv.SubscriptionDetails.Metadata)
		if !ok {
			logger.Warn().Str("anomaly", "user_not_found").Str("invoice_id", inv.ID).Msg("Invoice without a user reference")
			return OutcomeUserNotFound, nil
		}
		if _, err := h.service.RenewDirect(r.Context(), userID, &PaymentRequest{PaymentID: inv.ID, ProductID: inv.SubscriptionDetails.Metadata["product_id"]}); err != nil {
			return OutcomeFailed, err
		}
		return "applied", nil

	default:
		logger.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return OutcomeIgnoredType, nil
	}
}

func (h *StripeWebhookHandler) record(r *http.Request, eventType string, payload []byte, outcome string, procErr error) {
	if h.audit == nil {
		return
	}
	rec := NotificationRecord{Source: SourceStripe, NotificationType: eventType, Payload: payload, Outcome: outcome}
	if procErr != nil {
		rec.Error = procErr.Error()
	}
	if err := h.audit.RecordNotification(r.Context(), rec); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to record notification")
	}
}

// referencedUser reads the user id from client_reference_id or the user_id metadata key.
func referencedUser(clientReferenceID string, metadata map[string]string) (int, bool) {
	raw := strings.TrimSpace(clientReferenceID)
	if raw == "" {
		raw = strings.TrimSpace(metadata["user_id"])
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
