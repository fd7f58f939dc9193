package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfrevolutions/subgate/pkg/billing"
	"github.com/selfrevolutions/subgate/storage/memory"
)

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
		"pastdue":  billing.StatusPastDue,
	} {
		sub := &billing.Subscription{
			UserID: userID, SubscriptionID: "sub_" + userID, Status: status, PlanCode: "pro", UpdatedAt: time.Now(),
		}
		_, err := store.SetEntitlement(context.Background(), billing.EntitlementFrom(sub))
		require.NoError(t, err)
	}
	return store
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if id := c.Get("X-User-ID"); id != "" {
			c.Locals("userID", id)
		}
		return c.Next()
	})
	app.Get("/premium", RequireActiveSubscription(cfg), func(c *fiber.Ctx) error {
		ent, ok := Entitlement(c)
		if !ok {
			return c.SendStatus(fiber.StatusTeapot)
		}
		return c.SendString(string(ent.Status))
	})
	return app
}

func do(t *testing.T, app *fiber.App, userID string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRequireActiveSubscription(t *testing.T) {
	app := newApp(Config{
		Checker:   billing.NewAccessChecker(setupStore(t), nil),
		GetUserID: FromLocals("userID"),
	})

	tests := []struct {
		user     string
		wantCode int
		wantBody string
	}{
		{"active", fiber.StatusOK, "active"},
		{"trialing", fiber.StatusOK, "trialing"},
		{"pastdue", fiber.StatusForbidden, `"code":"SUBSCRIPTION_REQUIRED"`},
		{"missing", fiber.StatusForbidden, `"code":"SUBSCRIPTION_REQUIRED"`},
		{"", fiber.StatusUnauthorized, `"code":"UNAUTHENTICATED"`},
	}
	for _, tt := range tests {
		t.Run("user="+tt.user, func(t *testing.T) {
			code, body := do(t, app, tt.user)
			assert.Equal(t, tt.wantCode, code)
			assert.Contains(t, body, tt.wantBody)
		})
	}
}

func TestRequireActiveSubscription_Error(t *testing.T) {
	var gotErr error
	app := newApp(Config{
		Checker:   billing.NewAccessChecker(failingEntitlements{}, nil),
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c *fiber.Ctx, err error) error {
			gotErr = err
			return c.SendStatus(fiber.StatusServiceUnavailable)
		},
	})

	code, _ := do(t, app, "active")
	assert.Equal(t, fiber.StatusServiceUnavailable, code)
	assert.Error(t, gotErr)
}

func TestRequireActiveSubscription_DefaultError(t *testing.T) {
	app := newApp(Config{
		Checker:   billing.NewAccessChecker(failingEntitlements{}, nil),
		GetUserID: FromHeader("X-User-ID"),
	})

	code, body := do(t, app, "active")
	assert.Equal(t, fiber.StatusInternalServerError, code)
	assert.Contains(t, body, `"code":"INTERNAL_ERROR"`)
}

func TestRequireActiveSubscription_PanicsWithoutConfig(t *testing.T) {
	assert.Panics(t, func() { RequireActiveSubscription(Config{GetUserID: FromHeader("X-User-ID")}) })
	assert.Panics(t, func() {
		RequireActiveSubscription(Config{Checker: billing.NewAccessChecker(memory.New(), nil)})
	})
}
