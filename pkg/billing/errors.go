package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrInvalidStatus is returned when a provider status is outside the known set
	ErrInvalidStatus = errors.New("invalid subscription status")

	// ErrNoUserMapping is returned when a provider event cannot be attributed to a user
	ErrNoUserMapping = errors.New("no user mapped to billing identity")

	// ErrUserNotFound is returned when the user record does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionNotFound is returned when a user has no canonical subscription row
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrEntitlementNotFound is returned when a user has no projected entitlement
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrCustomerMappingNotFound is returned when no billing customer is linked to a user
	ErrCustomerMappingNotFound = errors.New("customer mapping not found")

	// ErrCustomerMappingConflict is returned when a billing customer is already linked to another user
	ErrCustomerMappingConflict = errors.New("customer already mapped to a different user")

	// ErrAlreadySubscribed is returned when a checkout is requested for a user with an active subscription
	ErrAlreadySubscribed = errors.New("user already has an active subscription")

	// ErrSubscriptionRequired is returned when a gated operation needs an active or trialing subscription
	ErrSubscriptionRequired = errors.New("active subscription required")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCircuitOpen is returned when calls to the provider are short-circuited
	ErrCircuitOpen = errors.New("billing provider circuit breaker is open")

	// ErrStorageUnavailable is returned when the backing store cannot be reached
	ErrStorageUnavailable = errors.New("billing storage unavailable")
)

// ErrorKind classifies errors by how boundaries must react to them.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindForbidden      ErrorKind = "forbidden"
	KindTransient      ErrorKind = "transient"
)

// Error is a classified error carrying a stable, user-facing code.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and a stable code.
func NewError(kind ErrorKind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// KindOf classifies err. Unknown errors are treated as transient so that
// asynchronous callers retry instead of silently dropping work.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidWebhookSignature):
		return KindAuthentication
	case errors.Is(err, ErrInvalidWebhookPayload), errors.Is(err, ErrInvalidStatus):
		return KindValidation
	case errors.Is(err, ErrNoUserMapping),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrSubscriptionNotFound),
		errors.Is(err, ErrEntitlementNotFound),
		errors.Is(err, ErrCustomerMappingNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadySubscribed), errors.Is(err, ErrCustomerMappingConflict):
		return KindConflict
	case errors.Is(err, ErrSubscriptionRequired):
		return KindForbidden
	}
	return KindTransient
}

// CodeOf returns the stable code for err.
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) && be.Code != "" {
		return be.Code
	}
	switch {
	case errors.Is(err, ErrAlreadySubscribed):
		return "ALREADY_SUBSCRIBED"
	case errors.Is(err, ErrCustomerMappingNotFound):
		return "NO_BILLING_CUSTOMER"
	case errors.Is(err, ErrSubscriptionRequired):
		return "SUBSCRIPTION_REQUIRED"
	case errors.Is(err, ErrInvalidWebhookSignature):
		return "INVALID_SIGNATURE"
	}
	switch KindOf(err) {
	case KindValidation:
		return "INVALID_REQUEST"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindTransient:
		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrProviderAPIError) {
			return "BILLING_UNAVAILABLE"
		}
	}
	return "INTERNAL_ERROR"
}
