package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ProPass/common"
	"ProPass/entitlement"
	"ProPass/receipt"

	"github.com/rs/zerolog"
)

type SubscriptionHandler struct {
	service *SubscriptionService
}

func NewSubscriptionHandler(service *SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{service: service}
}

func (h *SubscriptionHandler) HandleGetUserSubscription(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	userID, ok := common.UserID(r.Context())
	if !ok {
		common.WriteError(w, http.StatusInternalServerError, "invalid user ID in context")
		return
	}

	subscription, err := h.service.GetUserSubscription(r.Context(), userID)
	if err != nil {
		logger.Error().Err(err).Int("user_id", userID).Msg("Failed to get user subscription")
		common.WriteError(w, http.StatusInternalServerError, "failed to get subscription info")
		return
	}

	common.WriteJSON(w, http.StatusOK, subscription)
}

func (h *SubscriptionHandler) HandleGetUserSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	userID, ok := common.UserID(r.Context())
	if !ok {
		common.WriteError(w, http.StatusInternalServerError, "invalid user ID in context")
		return
	}

	requestedUserID, err := strconv.Atoi(r.PathValue("user_id"))
	if err != nil {
		common.WriteError(w, http.StatusBadRequest, "invalid user ID")
		return
	}
	if requestedUserID != userID {
		logger.Warn().Int("user_id", userID).Int("requested_user_id", requestedUserID).Msg("Denied subscription status of another user")
		common.WriteError(w, http.StatusForbidden, "forbidden")
		return
	}

	isActive, err := h.service.HasActiveSubscription(r.Context(), requestedUserID)
	if err != nil {
		logger.Error().Err(err).Int("user_id", requestedUserID).Msg("Failed to get subscription status")
		common.WriteError(w, http.StatusInternalServerError, "failed to get subscription status")
		return
	}

	common.WriteJSON(w, http.StatusOK, map[string]bool{"is_active": isActive})
}

func (h *SubscriptionHandler) HandlePurchaseSubscription(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	userID, ok := common.UserID(r.Context())
	if !ok {
		common.WriteError(w, http.StatusInternalServerError, "invalid user ID in context")
		return
	}

	var request PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		logger.Warn().Err(err).Msg("Failed to parse purchase request")
		common.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if request.Platform != "" && request.Platform != "apple" {
		common.WriteError(w, http.StatusBadRequest, "invalid platform, must be 'apple'")
		return
	}

	response, err := h.service.ProcessPurchase(r.Context(), userID, &request)
	if err != nil {
		common.WriteJSON(w, purchaseStatus(response.ErrorKind), response)
		return
	}

	common.WriteJSON(w, http.StatusOK, response)
}

func (h *SubscriptionHandler) HandleGetSubscriptionProducts(w http.ResponseWriter, r *http.Request) {
	products := h.service.GetSubscriptionProducts(r.Context(), r.URL.Query().Get("platform"))
	common.WriteJSON(w, http.StatusOK, products)
}

// HandleActivatePayment grants the entitlement for a trusted direct payment
func (h *SubscriptionHandler) HandleActivatePayment(w http.ResponseWriter, r *http.Request) {
	h.handleDirectPayment(w, r, h.service.ActivateDirect)
}

// HandleRenewPayment extends the entitlement for a trusted direct payment
func (h *SubscriptionHandler) HandleRenewPayment(w http.ResponseWriter, r *http.Request) {
	h.handleDirectPayment(w, r, h.service.RenewDirect)
}

type directPaymentFunc func(ctx context.Context, userID int, request *PaymentRequest) (*entitlement.Summary, error)

func (h *SubscriptionHandler) handleDirectPayment(w http.ResponseWriter, r *http.Request, apply directPaymentFunc) {
	logger := zerolog.Ctx(r.Context())

	userID, err := strconv.Atoi(r.PathValue("user_id"))
	if err != nil || userID <= 0 {
		common.WriteError(w, http.StatusBadRequest, "invalid user ID")
		return
	}

	var request PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.PaymentID == "" {
		common.WriteError(w, http.StatusBadRequest, "payment_id is required")
		return
	}

	summary, err := apply(r.Context(), userID, &request)
	if errors.Is(err, entitlement.ErrCorrelationConflict) {
		common.WriteError(w, http.StatusConflict, "payment already applied to another user")
		return
	}
	if err != nil {
		logger.Error().Err(err).Int("user_id", userID).Str("payment_id", request.PaymentID).Msg("Failed to apply direct payment")
		common.WriteError(w, http.StatusInternalServerError, "failed to apply payment")
		return
	}

	common.WriteJSON(w, http.StatusOK, summary)
}

// purchaseStatus maps a failed purchase's error kind to the HTTP status code.
func purchaseStatus(kind string) int {
	switch kind {
	case string(receipt.KindTimeout), string(receipt.KindUnreachable):
		return http.StatusServiceUnavailable
	case string(receipt.KindAlreadyExpired), string(receipt.KindNoSubscriptionFound):
		return http.StatusPaymentRequired
	case KindInvalidProduct:
		return http.StatusUnprocessableEntity
	case KindCorrelationConflict:
		return http.StatusConflict
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
