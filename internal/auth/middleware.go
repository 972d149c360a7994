package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey struct{}

// SubjectFromContext returns the username authenticated by Middleware.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(contextKey{}).(string)
	return subject, ok && subject != ""
}

func withSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, contextKey{}, subject)
}

// Middleware rejects requests without a valid access token. The reason a
// token failed is not disclosed.
func Middleware(tokens *TokenService, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		subject, err := tokens.VerifyAndExtractSubject(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(withSubject(r.Context(), subject)))
	})
}

// RequireRole must be chained after Middleware. The account is read from
// the store on every request so demotions and locks apply immediately.
func RequireRole(service *Service, role Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := SubjectFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		_, err := service.Authorize(r.Context(), subject, role)
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
		case errors.Is(err, ErrAccountLocked):
			writeError(w, http.StatusForbidden, "account locked")
		case errors.Is(err, ErrInsufficientRole):
			writeError(w, http.StatusForbidden, "insufficient role")
		default:
			writeServiceError(w, err, "require_role")
		}
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errors.New("missing authorization token")
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid authorization format")
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("invalid authorization token")
	}
	return token, nil
}
