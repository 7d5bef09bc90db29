package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence"
)

// ErrUnauthorized is returned for any credential that can't be mapped to a
// tenant and user.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator maps a credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (presence.Identity, error)
}

// Chain tries each authenticator in order and returns the first identity.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, credential string) (presence.Identity, error) {
	if credential == "" {
		return presence.Identity{}, ErrUnauthorized
	}
	for _, a := range c {
		id, err := a.Authenticate(ctx, credential)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrUnauthorized) {
			log.Warn().Err(err).Msg("authenticator failed")
		}
	}
	return presence.Identity{}, ErrUnauthorized
}

// CredentialFromRequest extracts the credential from the Authorization header
// or, for browsers that can't set headers on a WebSocket, the token query
// parameter.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
