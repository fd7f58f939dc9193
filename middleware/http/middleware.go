// Package http provides net/http middleware for authentication and subscription gating
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/selfrevolutions/subgate/pkg/billing"
)

// User is the authenticated caller.
type User struct {
	ID    string
	Email string
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserKey is the context key for the authenticated user
	UserKey ContextKey = "subgate:user"

	// EntitlementKey is the context key for the entitlement admitted by RequireActiveSubscription
	EntitlementKey ContextKey = "subgate:entitlement"
)

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// UserFromContext returns the authenticated user stored by Authenticate.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(UserKey).(User)
	return user, ok && user.ID != ""
}

// EntitlementFromContext returns the entitlement admitted by RequireActiveSubscription.
func EntitlementFromContext(ctx context.Context) (*billing.UserEntitlement, bool) {
	ent, ok := ctx.Value(EntitlementKey).(*billing.UserEntitlement)
	return ent, ok
}

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// FromContext is the default UserIDExtractor: the user stored by Authenticate.
func FromContext(r *http.Request) string {
	user, _ := UserFromContext(r.Context())
	return user.ID
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// Claims are the bearer token claims. The subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// AuthConfig holds Authenticate configuration
type AuthConfig struct {
	// Secret is the HS256 signing secret (required)
	Secret []byte

	// Audience, if set, must be present in the token's aud claim
	Audience string

	// Issuer, if set, must match the token's iss claim
	Issuer string

	// Leeway tolerates clock skew on exp/nbf/iat
	Leeway time.Duration

	// OnUnauthorized is called when the token is missing or invalid
	// If nil, writes a 401 JSON error with code UNAUTHENTICATED
	OnUnauthorized func(w http.ResponseWriter, r *http.Request, err error)
}

// ErrMissingToken is returned when the request has no bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// ParseToken verifies an HS256 token and returns the user it names.
func ParseToken(token string, config AuthConfig) (User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return config.Secret, nil
	}, opts...)
	if err != nil {
		return User{}, err
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return User{}, errors.New("token has no subject")
	}
	return User{ID: claims.Subject, Email: claims.Email}, nil
}

// Authenticate creates middleware that verifies the Authorization bearer token
// and stores the caller in the request context.
func Authenticate(config AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			var user User
			var err error
			if !ok {
				err = ErrMissingToken
			} else {
				user, err = ParseToken(token, config)
			}
			if err != nil {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r, err)
				} else {
					WriteError(w, http.StatusUnauthorized, "authentication required", "UNAUTHENTICATED")
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GateConfig holds RequireActiveSubscription configuration
type GateConfig struct {
	// Checker decides access (required)
	Checker *billing.AccessChecker

	// GetUserID extracts user ID from request
	// Default: FromContext
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 with code UNAUTHENTICATED
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the user has no active or trialing subscription
	// If nil, returns 403 with code SUBSCRIPTION_REQUIRED
	OnForbidden func(w http.ResponseWriter, r *http.Request)

	// OnError is called when access cannot be decided
	// If nil, returns 500 with code INTERNAL_ERROR
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireActiveSubscription creates middleware that admits only users whose
// subscription is active or trialing.
func RequireActiveSubscription(config GateConfig) func(http.Handler) http.Handler {
	if config.Checker == nil {
		panic("subgate/http: GateConfig.Checker is required")
	}
	if config.GetUserID == nil {
		config.GetUserID = FromContext
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					WriteError(w, http.StatusUnauthorized, "authentication required", "UNAUTHENTICATED")
				}
				return
			}

			ent, err := config.Checker.Check(r.Context(), userID)
			switch {
			case errors.Is(err, billing.ErrSubscriptionRequired):
				if config.OnForbidden != nil {
					config.OnForbidden(w, r)
				} else {
					WriteError(w, http.StatusForbidden, "an active subscription is required", "SUBSCRIPTION_REQUIRED")
				}
				return
			case err != nil:
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					WriteError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
				}
				return
			}

			ctx := context.WithValue(r.Context(), EntitlementKey, ent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteError writes a JSON error body {"error": message, "code": code}.
func WriteError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
