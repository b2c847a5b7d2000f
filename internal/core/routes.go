package core

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"commercehub/internal/types"
)

const defaultRequestTimeout = 30 * time.Second

// AdminKeyHeader carries the operator key on /v1/admin and the tenant
// integration routes.
const AdminKeyHeader = "X-Admin-Key"

// defaultRedactedHeaders are masked in request logs. Signature headers are
// included: a logged signature plus a logged body is a replayable request.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	AdminKeyHeader,
	"Stripe-Signature",
	"X-CC-Webhook-Signature",
	"X-Ecosystem-Signature",
}

// MountRoutes defines the routing hierarchy.
//
// Global middleware never touches the request body. Webhook routes get the
// body exactly as the sender signed it; JSON decoding and response
// compression exist only on the /v1 branch.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.MetricsMiddleware)

	s.router.Route("/webhooks", s.mountWebhooks)
	s.router.Route("/v1", s.mountV1)

	s.router.Get("/health", s.HandleHealth)
}

func (s *Server) mountWebhooks(r chi.Router) {
	r.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	for _, registrar := range s.WebhookRegistrars {
		registrar(r)
	}
}

func (s *Server) mountV1(r chi.Router) {
	r.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	r.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	r.Use(CompressMiddleware)

	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(s.AdminKeyMiddleware)
		for _, registrar := range s.AdminRegistrars {
			registrar(ar)
		}
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

// CompressMiddleware gzips responses for clients that accept it.
func CompressMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

// AdminKeyMiddleware rejects requests whose X-Admin-Key does not match the
// configured operator key.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := s.Config.Security.AdminAPIKey.Unmask()
		supplied := r.Header.Get(AdminKeyHeader)

		if expected == "" || supplied == "" ||
			subtle.ConstantTimeCompare([]byte(expected), []byte(supplied)) != 1 {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid admin key", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware propagates X-Request-Id or generates a new one, and
// stores it in the context for logging and error envelopes.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
