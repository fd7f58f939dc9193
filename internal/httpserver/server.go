// Package httpserver assembles the subgate HTTP routes.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	httpmw "github.com/selfrevolutions/subgate/middleware/http"
	"github.com/selfrevolutions/subgate/pkg/api"
	"github.com/selfrevolutions/subgate/pkg/billing"
)

// Deps are the collaborators the server routes to.
type Deps struct {
	Addr   string
	Logger zerolog.Logger

	// Provider serves the webhook and the session endpoints.
	Provider billing.Provider

	// Subscriptions reads canonical rows for the status endpoint and the gate fallback.
	Subscriptions billing.SubscriptionReader

	// Entitlements is the fast projection read by the gate.
	Entitlements billing.EntitlementReader

	// AuthSecret verifies bearer tokens on /api/billing.
	AuthSecret []byte

	// Ping reports storage health. Optional.
	Ping func(ctx context.Context) error

	// Metrics serves /metrics. Optional.
	Metrics http.Handler

	// BillingLogger receives handler error logs.
	BillingLogger billing.Logger

	// TrustProxy rewrites RemoteAddr from forwarding headers. Enable only behind
	// a proxy that sets them; otherwise clients could pick their own address.
	TrustProxy bool
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// New constructs an HTTP server from deps.
func New(deps Deps) (*Server, error) {
	handler, err := NewRouter(deps)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              deps.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: deps.Logger}, nil
}

// NewRouter builds the route tree.
func NewRouter(deps Deps) (http.Handler, error) {
	billingAPI, err := api.NewHandler(api.Config{
		Provider:      deps.Provider,
		Subscriptions: deps.Subscriptions,
		GetUserID:     httpmw.FromContext,
		GetEmail: func(r *http.Request) string {
			user, _ := httpmw.UserFromContext(r.Context())
			return user.Email
		},
		Logger: deps.BillingLogger,
	})
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	if deps.TrustProxy {
		router.Use(middleware.RealIP)
	}
	router.Use(requestLogger(deps.Logger))
	router.Use(middleware.Recoverer)

	router.Get("/api/health", health(deps.Ping))
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Raw body is verified by the provider; nothing upstream may consume it.
	router.Method(http.MethodPost, "/api/webhooks/"+deps.Provider.Name(), deps.Provider.WebhookHandler())

	router.Route("/api/billing", func(r chi.Router) {
		r.Use(httpmw.Authenticate(httpmw.AuthConfig{Secret: deps.AuthSecret, Leeway: 30 * time.Second}))

		r.Post("/create-checkout-session", billingAPI.CreateCheckoutSession)
		r.Post("/create-portal-session", billingAPI.CreatePortalSession)
		r.Get("/status", billingAPI.GetStatus)
		r.Post("/resync", billingAPI.Resync)

		r.With(httpmw.RequireActiveSubscription(httpmw.GateConfig{
			Checker: billing.NewAccessChecker(deps.Entitlements, deps.Subscriptions),
		})).Get("/entitlement", entitlement)
	})

	return router, nil
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("subgate listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func health(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// entitlement returns the projection admitted by the gate.
func entitlement(w http.ResponseWriter, r *http.Request) {
	ent, _ := httpmw.EntitlementFromContext(r.Context())
	writeJSON(w, http.StatusOK, api.StatusResponse{
		Active:           ent.Active(),
		Status:           string(ent.Status),
		PlanCode:         ent.PlanCode,
		CurrentPeriodEnd: ent.PeriodEnd,
	})
}

// requestLogger logs one line per request: 5xx at error, 4xx at warn, the rest at info.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			var ev *zerolog.Event
			switch {
			case status >= http.StatusInternalServerError:
				ev = logger.Error()
			case status >= http.StatusBadRequest:
				ev = logger.Warn()
			default:
				ev = logger.Info()
			}
			ev.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_ip", r.RemoteAddr).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
