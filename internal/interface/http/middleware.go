package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v5"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

type contextKey string

const contextKeyUserID contextKey = "user_id"

// userIDFrom returns the authenticated user id.
func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyUserID).(string)
	return id
}

// instrument logs each request and records it in metrics under its route
// pattern, so path parameters do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		duration := time.Since(start)

		if s.deps.Observer != nil {
			s.deps.Observer.ObserveHTTP(r.Method, route, status, duration)
		}

		level := s.logger.Debug
		if status >= http.StatusInternalServerError {
			level = s.logger.Error
		}
		level("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", duration,
			"request_id", chimiddleware.GetReqID(r.Context()),
			"user_id", userIDFrom(r.Context()),
		)
	})
}

// authenticate verifies the bearer token and stores its subject as the user id.
func (s *Server) authenticate(next http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.config.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.JWTIssuer))
	}
	parser := jwt.NewParser(opts...)
	secret := []byte(s.config.JWTSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeJSONError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			s.logger.Debug("token rejected", "error", err)
			writeJSONError(w, r, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		userID, err := shared.NewUserID(claims.Subject)
		if err != nil {
			writeJSONError(w, r, http.StatusUnauthorized, "unauthorized", "token has no subject")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUserID, userID.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit limits requests per authenticated user. It must run after
// authenticate.
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	if s.config.RateLimitRequests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := s.config.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(
		s.config.RateLimitRequests,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return userIDFrom(r.Context()), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeJSONError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
		}),
	)
}
