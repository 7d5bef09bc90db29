package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcdev12/punchclock/go/internal/presence"
)

// Claims are the access-token claims issued by the auth service.
type Claims struct {
	UserID    int64   `json:"user_id"`
	TenantID  int64   `json:"tenant_id"`
	UserName  string  `json:"user_name"`
	TeamIDs   []int64 `json:"team_ids,omitempty"`
	TokenType string  `json:"token_type"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HMAC-signed access tokens.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates an authenticator for HS256 tokens signed with
// secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (presence.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return presence.Identity{}, ErrUnauthorized
	}
	if claims.TokenType != "access" {
		return presence.Identity{}, ErrUnauthorized
	}

	id := presence.Identity{
		UserID:   claims.UserID,
		TenantID: claims.TenantID,
		UserName: claims.UserName,
		TeamIDs:  claims.TeamIDs,
	}
	if !id.Valid() {
		return presence.Identity{}, ErrUnauthorized
	}
	return id, nil
}

// Issue signs an access token for id. The gateway never issues tokens in
// production; this exists for tooling and tests.
func (a *JWTAuthenticator) Issue(id presence.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    id.UserID,
		TenantID:  id.TenantID,
		UserName:  id.UserName,
		TeamIDs:   id.TeamIDs,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
