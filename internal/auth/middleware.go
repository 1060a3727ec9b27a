// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package auth

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/resonance-pipeline/resonance/internal/logging"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// ClaimsContextKey is where validated claims are stored in the request context.
const ClaimsContextKey contextKey = "claims"

// Middleware provides authentication and rate limiting for HTTP handlers.
type Middleware struct {
	jwtManager        *JWTManager
	rateLimiter       *RateLimiter
	rateLimitDisabled bool
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(jwtManager *JWTManager, reqsPerWindow int, window time.Duration, rateLimitDisabled bool) *Middleware {
	return &Middleware{
		jwtManager:        jwtManager,
		rateLimiter:       NewRateLimiter(reqsPerWindow, window),
		rateLimitDisabled: rateLimitDisabled,
	}
}

// Authenticate validates the bearer token and injects claims into the
// request context. Requests without a valid token get 401.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			http.Error(w, "bearer token required", http.StatusUnauthorized)
			return
		}

		claims, err := m.jwtManager.ValidateToken(strings.TrimPrefix(authHeader, prefix))
		if err != nil {
			logging.Debug().Err(err).Msg("Token validation failed")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose claims lack the given role.
// Admin passes every role check.
func (m *Middleware) RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		if claims.Role != role && claims.Role != RoleAdmin {
			http.Error(w, "insufficient permissions", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit applies per-client-IP rate limiting.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.rateLimitDisabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if !m.rateLimiter.Allow(ip) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClaimsFromContext retrieves validated claims, or nil if unauthenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ClaimsContextKey).(*Claims)
	return claims
}

// clientIP extracts the remote IP, ignoring forwarding headers. The server
// is expected to sit behind go-chi/httprate for proxy-aware limiting; this
// limiter is the inner defense on auth endpoints.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiter is a per-IP token bucket limiter built on x/time/rate.
// Stale entries are evicted by a background sweep.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateLimiterEntry
	limit   rate.Limit
	burst   int
	done    chan struct{}
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing reqsPerWindow requests per window.
func NewRateLimiter(reqsPerWindow int, window time.Duration) *RateLimiter {
	if reqsPerWindow <= 0 {
		reqsPerWindow = 100
	}
	if window <= 0 {
		window = time.Minute
	}

	rl := &RateLimiter{
		clients: make(map[string]*rateLimiterEntry),
		limit:   rate.Limit(float64(reqsPerWindow) / window.Seconds()),
		burst:   reqsPerWindow,
		done:    make(chan struct{}),
	}
	go rl.startCleanup(window)
	return rl
}

// Allow reports whether the client may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[ip]
	if !ok {
		entry = &rateLimiterEntry{
			limiter: rate.NewLimiter(rl.limit, rl.burst),
		}
		rl.clients[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// startCleanup evicts clients idle for more than three windows.
func (rl *RateLimiter) startCleanup(window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * window)
			rl.mu.Lock()
			for ip, entry := range rl.clients {
				if entry.lastSeen.Before(cutoff) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop terminates the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}
