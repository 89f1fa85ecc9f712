package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/peerpush/chally-core/internal/identity"
	"github.com/peerpush/chally-core/internal/metrics"
	"github.com/peerpush/chally-core/internal/payment"
)

// NewRouter builds the full HTTP surface: ambient middleware, health and
// metrics endpoints, and the authenticated wallet/challenge routes.
func NewRouter(s *Server, resolver identity.Resolver, processor payment.Processor, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"chally-core"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// Stripe authenticates this route itself via the signature header, so
	// it stays outside the identity.Middleware chain.
	r.Post("/stripe/webhook", s.StripeWebhook(processor))

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(resolver))

		r.Post("/wallet/deposit/checkout", s.BeginDeposit)
		r.Post("/wallet/withdraw", s.Withdraw)
		r.Get("/wallet", s.GetWallet)
		r.Get("/ws", s.WebSocket)

		r.Post("/challenges/{id}/join", s.JoinChallenge)
		r.Post("/challenges/{id}/settle", s.SettleChallenge)
	})

	return r
}

// corsMiddleware allows the frontend to call this API from a different
// origin during development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
