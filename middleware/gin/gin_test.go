package gin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfrevolutions/subgate/pkg/billing"
	"github.com/selfrevolutions/subgate/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

type failingEntitlements struct{}

func (failingEntitlements) GetEntitlement(context.Context, string) (*billing.UserEntitlement, error) {
	return nil, errors.New("connection refused")
}

func setupStore(t *testing.T) *memory.Storage {
	t.Helper()
	store := memory.New()
	for userID, status := range map[string]billing.Status{
		"active":   billing.StatusActive,
		"trialing": billing.StatusTrialing,
		"unpaid":   billing.StatusUnpaid,
	} {
		sub := &billing.Subscription{
			UserID: userID, SubscriptionID: "sub_" + userID, Status: status, PlanCode: "pro", UpdatedAt: time.Now(),
		}
		_, err := store.SetEntitlement(context.Background(), billing.EntitlementFrom(sub))
		require.NoError(t, err)
	}
	return store
}

func newRouter(cfg Config) *gongin.Engine {
	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("UserID", id)
		}
		c.Next()
	})
	r.GET("/premium", RequireActiveSubscription(cfg), func(c *gongin.Context) {
		ent, ok := Entitlement(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.String(http.StatusOK, string(ent.Status))
	})
	return r
}

func TestRequireActiveSubscription(t *testing.T) {
	router := newRouter(Config{
		Checker:   billing.NewAccessChecker(setupStore(t), nil),
		GetUserID: FromContext("UserID"),
	})

	tests := []struct {
		user     string
		wantCode int
		wantBody string
	}{
		{"active", http.StatusOK, "active"},
		{"trialing", http.StatusOK, "trialing"},
		{"unpaid", http.StatusForbidden, `"code":"SUBSCRIPTION_REQUIRED"`},
		{"missing", http.StatusForbidden, `"code":"SUBSCRIPTION_REQUIRED"`},
		{"", http.StatusUnauthorized, `"code":"UNAUTHENTICATED"`},
	}
	for _, tt := range tests {
		t.Run("user="+tt.user, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/premium", nil)
			if tt.user != "" {
				req.Header.Set("X-User-ID", tt.user)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}

func TestRequireActiveSubscription_Error(t *testing.T) {
	var gotErr error
	router := newRouter(Config{
		Checker:   billing.NewAccessChecker(failingEntitlements{}, nil),
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c *gongin.Context, err error) {
			gotErr = err
			c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "try later"})
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("X-User-ID", "active")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Error(t, gotErr)
}

func TestRequireActiveSubscription_CustomForbidden(t *testing.T) {
	router := newRouter(Config{
		Checker:     billing.NewAccessChecker(setupStore(t), nil),
		GetUserID:   FromHeader("X-User-ID"),
		OnForbidden: func(c *gongin.Context) { c.Status(http.StatusPaymentRequired) },
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("X-User-ID", "unpaid")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestRequireActiveSubscription_PanicsWithoutConfig(t *testing.T) {
	assert.Panics(t, func() { RequireActiveSubscription(Config{GetUserID: FromHeader("X-User-ID")}) })
	assert.Panics(t, func() {
		RequireActiveSubscription(Config{Checker: billing.NewAccessChecker(memory.New(), nil)})
	})
}
