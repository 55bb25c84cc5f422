package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gridworks/dispatch/internal/application/auth"
	"github.com/gridworks/dispatch/internal/infrastructure/http/response"
)

type contextKey string

const claimsKey contextKey = "session_claims"

// ClaimsFromContext returns the verified session claims stored by the
// Session middleware, or nil when the request was not authenticated.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// Session is HTTP middleware for bearer session tokens.
type Session struct {
	verifier *auth.Service
}

// NewSession creates session token middleware backed by the auth
// service.
func NewSession(verifier *auth.Service) *Session {
	return &Session{verifier: verifier}
}

// Validate checks the Authorization header, verifies the token and
// stores the claims in the request context.
func (s *Session) Validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := bearerToken(r)
		if !ok {
			slog.WarnContext(r.Context(), "authentication failed: missing or malformed Authorization header",
				"path", r.URL.Path,
				"method", r.Method)
			response.Unauthorized(w, "expected Authorization: Bearer <token>")
			return
		}

		claims, err := s.verifier.VerifyToken(r.Context(), bearer)
		if err != nil {
			slog.WarnContext(r.Context(), "authentication failed: invalid or expired token",
				"path", r.URL.Path,
				"method", r.Method)
			response.Unauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// RequireScope rejects authenticated requests whose token lacks the
// given scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil || !claims.HasScope(scope) {
				slog.WarnContext(r.Context(), "authorization failed: scope mismatch",
					"path", r.URL.Path,
					"required_scope", scope)
				response.Forbidden(w, "token lacks required scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Admin is HTTP middleware for the pre-shared admin bearer token.
type Admin struct {
	token string
}

// NewAdmin creates admin token middleware.
func NewAdmin(token string) *Admin {
	return &Admin{token: token}
}

// Validate compares the bearer string against the configured admin
// token in constant time.
func (a *Admin) Validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := bearerToken(r)
		if !ok || a.token == "" ||
			subtle.ConstantTimeCompare([]byte(bearer), []byte(a.token)) != 1 {
			slog.WarnContext(r.Context(), "admin authentication failed",
				"path", r.URL.Path,
				"method", r.Method)
			response.Unauthorized(w, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}
