package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/internal/models"
)

// ErrorWriter renders an error response. The api package supplies one so every
// rejection has the same body shape.
type ErrorWriter func(w http.ResponseWriter, err error)

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// ExtractUpgradeToken also accepts the token query parameter, since browsers
// cannot set headers on a WebSocket handshake. Only the upgrade route uses it.
func ExtractUpgradeToken(r *http.Request) string {
	if r.Header.Get("Authorization") != "" {
		return ExtractToken(r)
	}
	return r.URL.Query().Get("token")
}

// Resolve returns the active user an access token belongs to.
func Resolve(ctx context.Context, issuer *Issuer, users UserLookup, raw string) (*models.User, error) {
	claims, err := issuer.Parse(raw)
	if err != nil {
		log.Debug().Err(err).Msg("Rejected access token")
		return nil, models.ErrUnauthorized
	}
	id, err := claims.UserID()
	if err != nil {
		return nil, err
	}
	u, err := users.GetUser(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, fmt.Errorf("user: %w", models.ErrInactive)
	}
	return u, nil
}

// Authenticate resolves the caller from the bearer token and rejects anonymous requests.
func Authenticate(issuer *Issuer, users UserLookup, fail ErrorWriter) func(http.Handler) http.Handler {
	return authenticate(issuer, users, fail, ExtractToken)
}

// AuthenticateUpgrade is Authenticate for the WebSocket route, which also reads
// the token query parameter.
func AuthenticateUpgrade(issuer *Issuer, users UserLookup, fail ErrorWriter) func(http.Handler) http.Handler {
	return authenticate(issuer, users, fail, ExtractUpgradeToken)
}

func authenticate(issuer *Issuer, users UserLookup, fail ErrorWriter, extract func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extract(r)
			if raw == "" {
				fail(w, models.ErrUnauthorized)
				return
			}
			u, err := Resolve(r.Context(), issuer, users, raw)
			if err != nil {
				fail(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), u)))
		})
	}
}

// RequireSuperuser lets only superusers through. It must run after Authenticate.
func RequireSuperuser(fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := Principal(r.Context())
			if u == nil || !u.IsSuperuser {
				fail(w, models.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
