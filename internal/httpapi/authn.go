package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/St1453/algofinstatix/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/verify-email",
	"/v1/auth/password-reset/request",
	"/v1/auth/password-reset/confirm",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		value, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		res, err := a.tokens.VerifyToken(r.Context(), value, auth.TokenAccess)
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			writeError(w, r, http.StatusUnauthorized, "token has expired")
			return
		case errors.Is(err, auth.ErrTokenRevoked):
			writeError(w, r, http.StatusUnauthorized, "token has been revoked")
			return
		case err != nil:
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		case !res.Valid:
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := auth.ContextWithUser(r.Context(), res.User)
		ctx = auth.ContextWithToken(ctx, res.Token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
