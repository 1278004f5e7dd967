package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated user's email.
// The email identifies the owner of accounts and conversations.
const UserEmailKey contextKey = "user_email"

// RequireAuth middleware checks for a valid bearer token in the Authorization header.
// It stores the user's email in the request context for downstream handlers.
// Returns 401 Unauthorized if authentication fails.
func RequireAuth(logger zerolog.Logger, next http.Handler) http.Handler {
	logger = logger.With().Str("component", "auth").Logger()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			logger.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected request")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userEmail, err := ValidateToken(token)
		if err != nil {
			logger.Info().Err(err).Msg("token validation failed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserEmailKey, userEmail)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken parses an Authorization header value: "Bearer <token>" (RFC 7235).
// The scheme is case-insensitive.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("no Authorization header present")
	}

	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	if token == "" {
		return "", fmt.Errorf("empty token after Bearer")
	}
	return token, nil
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok && email != ""
}

// ValidateToken validates the token and returns the user's email.
// This is a stub for now.
// In test mode (VCHAT_TEST_MODE=true), a token like "email:user@example.com"
// authenticates as that user. Otherwise, it returns "test@example.com".
func ValidateToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(token) == "email:" {
		return "", fmt.Errorf("token is empty")
	}

	if os.Getenv("VCHAT_TEST_MODE") == "true" {
		if email, ok := strings.CutPrefix(token, "email:"); ok && email != "" {
			return email, nil
		}
	}

	// TODO: verify tokens against the identity provider once one is chosen.

	return "test@example.com", nil
}
