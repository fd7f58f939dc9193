package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

const (
	statusNone   = "none"
	maxUserIDLen = 255

	// RequestIDHeader carries the request id echoed in error bodies
	RequestIDHeader = "X-Request-ID"
)

var errUnauthenticated = billing.NewError(billing.KindAuthentication, "UNAUTHENTICATED", "authentication required", nil)

// publicMessages are the only error texts a caller ever sees.
var publicMessages = map[string]string{
	"UNAUTHENTICATED":       "authentication required",
	"ALREADY_SUBSCRIBED":    "user already has an active subscription",
	"NO_BILLING_CUSTOMER":   "no billing account exists for this user",
	"SUBSCRIPTION_REQUIRED": "an active subscription is required",
	"BILLING_UNAVAILABLE":   "billing provider is temporarily unavailable",
	"INVALID_REQUEST":       "invalid request",
	"NOT_FOUND":             "not found",
	"CONFLICT":              "conflict",
	"INTERNAL_ERROR":        "internal server error",
}

// Handler provides HTTP endpoints for checkout, portal, status and resync
type Handler struct {
	config Config
}

// CreateCheckoutSession starts a subscription checkout for the caller
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var email string
	if h.config.GetEmail != nil {
		email = h.config.GetEmail(r)
	}

	url, err := h.config.Provider.CreateCheckoutSession(r.Context(), userID, email)
	if err != nil {
		h.handleError(w, r, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// CreatePortalSession opens the billing portal for the caller
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	url, err := h.config.Provider.CreatePortalSession(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// GetStatus returns the caller's canonical subscription standing
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	sub, err := h.config.Subscriptions.GetSubscription(r.Context(), userID)
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		writeJSON(w, http.StatusOK, StatusResponse{Status: statusNone})
		return
	case err != nil:
		h.handleError(w, r, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Active:           sub.Status.Entitled(),
		Status:           string(sub.Status),
		PlanCode:         sub.PlanCode,
		CurrentPeriodEnd: sub.PeriodEnd,
	})
}

// Resync rebuilds the caller's entitlement from the canonical row and returns it
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	ent, err := h.config.Provider.Resync(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, userID, err)
		return
	}

	resp := StatusResponse{Status: statusNone}
	if ent.Status != "" {
		resp = StatusResponse{
			Active:           ent.Active(),
			Status:           string(ent.Status),
			PlanCode:         ent.PlanCode,
			CurrentPeriodEnd: ent.PeriodEnd,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, "", errUnauthenticated)
		return "", false
	}
	return userID, true
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, userID string, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	requestID := RequestID(r)
	code := billing.CodeOf(err)
	status := StatusCode(err)

	fields := []billing.Field{
		{Key: "request_id", Value: requestID},
		{Key: "user_id", Value: userID},
		{Key: "path", Value: r.URL.Path},
		{Key: "code", Value: code},
		{Key: "error", Value: err},
	}
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("Billing request failed", fields...)
	} else {
		h.config.Logger.Debug("Billing request rejected", fields...)
	}

	message, ok := publicMessages[code]
	if !ok {
		message = publicMessages["INTERNAL_ERROR"]
	}
	w.Header().Set(RequestIDHeader, requestID)
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, RequestID: requestID})
}

// StatusCode maps a classified error to its HTTP status
func StatusCode(err error) int {
	switch billing.KindOf(err) {
	case billing.KindAuthentication:
		return http.StatusUnauthorized
	case billing.KindValidation:
		return http.StatusBadRequest
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindConflict:
		return http.StatusConflict
	case billing.KindForbidden:
		return http.StatusForbidden
	}
	if billing.CodeOf(err) == "BILLING_UNAVAILABLE" {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// RequestID returns the caller-supplied request id when it is a UUID, or a new one.
func RequestID(r *http.Request) string {
	if id, err := uuid.Parse(r.Header.Get(RequestIDHeader)); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
