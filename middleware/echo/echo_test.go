package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfrevolutions/subgate/pkg/billing"
	"github.com/selfrevolutions/subgate/storage/memory"
)

type failingEntitlements struct{}

func (failingEntitlements) GetEntitlement(context.Context, string) (*billing.UserEntitlement, error) {
	return nil, errors.New("connection refused")
}

// setupStore holds canonical rows only, so access is decided by the fallback read
func setupStore(t *testing.T) *memory.Storage {
	t.Helper()
	store := memory.New()
	for userID, status := range map[string]billing.Status{
		"active":   billing.StatusActive,
		"trialing": billing.StatusTrialing,
		"canceled": billing.StatusCanceled,
	} {
		sub := &billing.Subscription{
			UserID: userID, SubscriptionID: "sub_" + userID, Status: status, PlanCode: "pro", UpdatedAt: time.Now(),
		}
		_, _, err := store.ApplySubscription(context.Background(), &billing.ProcessedEvent{EventID: "evt_" + userID}, sub)
		require.NoError(t, err)
	}
	return store
}

func serve(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func newEcho(cfg Config) *echo.Echo {
	e := echo.New()
	e.GET("/premium", func(c echo.Context) error {
		ent, ok := Entitlement(c)
		if !ok {
			return c.NoContent(http.StatusTeapot)
		}
		return c.String(http.StatusOK, ent.PlanCode)
	}, RequireActiveSubscription(cfg))
	return e
}

func TestRequireActiveSubscription(t *testing.T) {
	store := setupStore(t)
	e := newEcho(Config{
		Checker:   billing.NewAccessChecker(store, store),
		GetUserID: FromHeader("X-User-ID"),
	})

	tests := []struct {
		user     string
		wantCode int
		wantBody string
	}{
		{"active", http.StatusOK, "pro"},
		{"trialing", http.StatusOK, "pro"},
		{"canceled", http.StatusForbidden, `"code":"SUBSCRIPTION_REQUIRED"`},
		{"missing", http.StatusForbidden, `"code":"SUBSCRIPTION_REQUIRED"`},
		{"", http.StatusUnauthorized, `"code":"UNAUTHENTICATED"`},
	}
	for _, tt := range tests {
		t.Run("user="+tt.user, func(t *testing.T) {
			rec := serve(e, tt.user)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestRequireActiveSubscription_Error(t *testing.T) {
	e := newEcho(Config{
		Checker:   billing.NewAccessChecker(failingEntitlements{}, nil),
		GetUserID: FromHeader("X-User-ID"),
	})

	rec := serve(e, "active")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"INTERNAL_ERROR"`)
}

func TestRequireActiveSubscription_Callbacks(t *testing.T) {
	store := setupStore(t)
	e := newEcho(Config{
		Checker:        billing.NewAccessChecker(store, store),
		GetUserID:      FromHeader("X-User-ID"),
		OnUnauthorized: func(c echo.Context) error { return c.NoContent(http.StatusProxyAuthRequired) },
		OnForbidden:    func(c echo.Context) error { return c.NoContent(http.StatusPaymentRequired) },
	})

	assert.Equal(t, http.StatusProxyAuthRequired, serve(e, "").Code)
	assert.Equal(t, http.StatusPaymentRequired, serve(e, "canceled").Code)
}

func TestRequireActiveSubscription_PanicsWithoutChecker(t *testing.T) {
	assert.Panics(t, func() { RequireActiveSubscription(Config{GetUserID: FromHeader("X-User-ID")}) })
}
