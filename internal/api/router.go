// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resonance-pipeline/resonance/internal/auth"
)

// Router wires handlers, auth, and middleware into a Chi routing tree.
type Router struct {
	handler       *Handlers
	authMW        *auth.Middleware
	chiMiddleware *ChiMiddleware
}

// NewRouter creates the HTTP router.
func NewRouter(handler *Handlers, authMW *auth.Middleware, chiMW *ChiMiddleware) *Router {
	if chiMW == nil {
		chiMW = NewChiMiddleware(nil)
	}
	return &Router{
		handler:       handler,
		authMW:        authMW,
		chiMiddleware: chiMW,
	}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order.
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS())

	// Health endpoints stay unauthenticated so orchestrators can probe them.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitHealth())
		r.Use(APISecurityHeaders())
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(APISecurityHeaders())
		r.With(router.chiMiddleware.RateLimitLogin()).Post("/login", router.handler.Login)
	})

	// All data endpoints fail closed behind bearer-token auth.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(PrometheusMetrics())
		r.Use(chiPathValue)
		r.Use(router.authMW.Authenticate)

		r.Post("/audio", router.handler.IngestAudio)
		r.Get("/features/real-time", router.handler.RealTimeFeatures)
		r.Post("/features/historical", router.handler.HistoricalFeatures)
		r.Get("/features/ws", router.handler.WebSocket)
		r.Get("/status/{audio_id}", router.handler.Status)
		r.Get("/stats", router.handler.Stats)

		// Dead-letter inspection is admin-only.
		r.With(requireRole(router.authMW, auth.RoleAdmin)).Get("/dlq", router.handler.DeadLetters)
	})

	// Prometheus scrape endpoint.
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// requireRole adapts the role check to Chi's middleware shape.
func requireRole(mw *auth.Middleware, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return mw.RequireRole(role, next)
	}
}

// chiPathValue bridges Chi URL params to r.PathValue.
func chiPathValue(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.RouteContext(r.Context())
		if rctx != nil {
			for i, key := range rctx.URLParams.Keys {
				if i < len(rctx.URLParams.Values) {
					r.SetPathValue(key, rctx.URLParams.Values[i])
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
